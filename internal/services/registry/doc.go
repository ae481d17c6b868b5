// Package registry tracks the devices of every known JID: their
// labels, identity key IDs, serialized ratchet sessions and liveness
// counters. It is the in-memory source of truth; every mutation is
// mirrored to storage, and storage failures are logged rather than
// rolled back.
package registry
