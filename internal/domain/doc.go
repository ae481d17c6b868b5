// Package domain holds the core OMEMO types and the interfaces of the
// collaborators the encryption core depends on: durable storage, the
// trust manager, the PubSub (PEP) client and the stanza sender.
//
// The package has no behaviour of its own; services under
// internal/services implement the protocol against these types.
package domain
