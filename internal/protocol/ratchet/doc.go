// Package ratchet implements the Double Ratchet state machine used to
// encrypt and decrypt single OMEMO envelopes, together with the wire
// forms of ratchet messages and key-exchange (pre-key) messages.
//
// The package is not safe for concurrent use; callers serialize access
// to a State behind one lock.
package ratchet
