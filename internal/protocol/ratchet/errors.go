package ratchet

import "errors"

var (
	// ErrInvalidMessage marks an envelope that cannot be deserialized or
	// fails authentication.
	ErrInvalidMessage = errors.New("ratchet: invalid message")

	// ErrDuplicateMessage marks a replayed envelope whose message key
	// has already been consumed.
	ErrDuplicateMessage = errors.New("ratchet: duplicate message")

	// ErrLegacyMessage marks an envelope in a deprecated wire format
	// version.
	ErrLegacyMessage = errors.New("ratchet: unsupported legacy message format")

	// ErrInvalidKeyID marks a key-exchange message referencing a pre-key
	// that is not (or no longer) stored locally.
	ErrInvalidKeyID = errors.New("ratchet: unknown pre-key id")

	// ErrInvalidKey marks key material of the wrong shape.
	ErrInvalidKey = errors.New("ratchet: invalid key")

	// ErrUntrustedIdentity marks an identity key rejected by trust
	// checking.
	ErrUntrustedIdentity = errors.New("ratchet: untrusted identity key")

	// ErrNoSession is returned when an envelope requires an established
	// session and none exists for the address.
	ErrNoSession = errors.New("ratchet: no session")

	errChainUninitialised = errors.New("ratchet: chain key is uninitialised")
)
