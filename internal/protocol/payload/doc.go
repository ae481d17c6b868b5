// Package payload encrypts and decrypts the shared message payload of
// an OMEMO stanza. The payload is encrypted once under a fresh random
// secret; the compact decryption data returned by Encrypt is what the
// ratchet wraps for every recipient device.
//
// The cipher parameters are protocol constants fixed per variant. Any
// deviation in key sizes, HKDF inputs or tag lengths breaks
// interoperability with other implementations.
package payload
