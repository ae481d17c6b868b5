// Package store provides persistence for the OMEMO state.
//
// BoltStore is the durable implementation backed by a single bbolt
// file: pre-keys, sessions and remote devices are CBOR records in
// per-concern buckets, and the own device record, which holds the
// long-term private keys, is additionally sealed under a passphrase.
// MemoryStore keeps everything in maps and backs tests and throwaway
// sessions.
package store
