package ratchet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageVersion is the current envelope wire format version. Envelopes
// carrying any other version are rejected as legacy.
const MessageVersion = 1

// Message is the serialized form of one ratchet envelope: the sender's
// current ratchet public key, chain counters, and the AEAD ciphertext.
type Message struct {
	Version    uint8  `cbor:"1,keyasint"`
	DHPub      []byte `cbor:"2,keyasint"`
	PN         uint32 `cbor:"3,keyasint"`
	N          uint32 `cbor:"4,keyasint"`
	Ciphertext []byte `cbor:"5,keyasint"`
}

// Marshal encodes the message with CBOR.
func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// UnmarshalMessage decodes one ratchet envelope, rejecting unknown
// wire versions before any key material is touched.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Version != MessageVersion {
		return nil, ErrLegacyMessage
	}
	return &m, nil
}

// KeyExchange wraps the first envelopes of a session with the X3DH
// parameters the responder needs to derive the shared root key.
type KeyExchange struct {
	Version        uint8  `cbor:"1,keyasint"`
	IdentityKey    []byte `cbor:"2,keyasint"`
	EphemeralKey   []byte `cbor:"3,keyasint"`
	SignedPreKeyID uint32 `cbor:"4,keyasint"`
	PreKeyID       uint32 `cbor:"5,keyasint"`
	Message        []byte `cbor:"6,keyasint"`
}

// Marshal encodes the key-exchange wrapper with CBOR.
func (k *KeyExchange) Marshal() ([]byte, error) {
	return cbor.Marshal(k)
}

// UnmarshalKeyExchange decodes a key-exchange wrapper.
func UnmarshalKeyExchange(data []byte) (*KeyExchange, error) {
	var k KeyExchange
	if err := cbor.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if k.Version != MessageVersion {
		return nil, ErrLegacyMessage
	}
	if len(k.IdentityKey) != 64 || len(k.EphemeralKey) != 32 {
		return nil, ErrInvalidKey
	}
	return &k, nil
}
