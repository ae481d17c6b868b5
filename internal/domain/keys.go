package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// IdentityKeyPair is a device's long-term key material: an X25519 pair
// for Diffie-Hellman and an Ed25519 pair for signatures.
type IdentityKeyPair struct {
	XPub   X25519Public   `cbor:"1,keyasint"`
	XPriv  X25519Private  `cbor:"2,keyasint"`
	EdPub  Ed25519Public  `cbor:"3,keyasint"`
	EdPriv Ed25519Private `cbor:"4,keyasint"`
}

// Public returns the shareable half of the pair.
func (p IdentityKeyPair) Public() PublicIdentityKey {
	return PublicIdentityKey{X: p.XPub, Ed: p.EdPub}
}

// PublicIdentityKey is the published long-term key of a device.
type PublicIdentityKey struct {
	X  X25519Public
	Ed Ed25519Public
}

// Bytes returns the serialized form: X25519 public followed by the
// Ed25519 public key, 64 bytes total.
func (p PublicIdentityKey) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, p.X[:]...)
	return append(out, p.Ed[:]...)
}

// ParsePublicIdentityKey is the inverse of PublicIdentityKey.Bytes.
func ParsePublicIdentityKey(b []byte) (PublicIdentityKey, bool) {
	var p PublicIdentityKey
	if len(b) != 64 {
		return p, false
	}
	copy(p.X[:], b[:32])
	copy(p.Ed[:], b[32:])
	return p, true
}

// KeyID derives the stable identifier of a public identity key. Key IDs
// are what the trust manager stores trust decisions against.
func KeyID(publicIdentityKey []byte) []byte {
	sum := sha256.Sum256(publicIdentityKey)
	return sum[:]
}

// Fingerprint returns the short human-readable form of a key ID.
func Fingerprint(keyID []byte) string {
	return hex.EncodeToString(keyID)
}

// PreKeyPair is a one-time pre-key. It is consumed when a remote party
// uses it to establish an inbound session.
type PreKeyPair struct {
	ID   uint32        `cbor:"1,keyasint"`
	Priv X25519Private `cbor:"2,keyasint"`
	Pub  X25519Public  `cbor:"3,keyasint"`
}

// SignedPreKeyPair is a medium-term pre-key signed by the identity key
// and rotated periodically.
type SignedPreKeyPair struct {
	ID        uint32        `cbor:"1,keyasint"`
	Priv      X25519Private `cbor:"2,keyasint"`
	Pub       X25519Public  `cbor:"3,keyasint"`
	Signature []byte        `cbor:"4,keyasint"`
	CreatedAt int64         `cbor:"5,keyasint"` // unix seconds
}

// DeviceBundle is the published public view of a device: everything a
// peer needs to asynchronously establish a session with it.
type DeviceBundle struct {
	IdentityKey           PublicIdentityKey
	SignedPreKeyID        uint32
	SignedPreKey          X25519Public
	SignedPreKeySignature []byte
	PreKeys               map[uint32]X25519Public
}
