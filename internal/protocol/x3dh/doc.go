// Package x3dh implements the extended triple Diffie-Hellman key
// agreement used to derive the initial root key of a ratchet session
// from a device bundle.
package x3dh
