package domain

import "time"

// OwnDevice is this client instance's OMEMO device. Exactly one exists
// per account; it is created at first run and mutated on key rotation.
type OwnDevice struct {
	ID                   uint32          `cbor:"1,keyasint"`
	Label                string          `cbor:"2,keyasint"`
	Identity             IdentityKeyPair `cbor:"3,keyasint"`
	LatestSignedPreKeyID uint32          `cbor:"4,keyasint"`
	LatestPreKeyID       uint32          `cbor:"5,keyasint"`
}

// RemoteDevice is a device of a contact or another own device, keyed by
// (owner bare JID, device ID).
type RemoteDevice struct {
	Label string `cbor:"1,keyasint"`

	// KeyID identifies the device's public identity key. Empty until the
	// first bundle fetch or key-exchange message.
	KeyID []byte `cbor:"2,keyasint"`

	// Session is the serialized ratchet session state. Empty means no
	// session has been built yet.
	Session []byte `cbor:"3,keyasint"`

	// UnrespondedSent counts stanzas sent to the device without a
	// response. Encryption stops once it reaches the stop threshold.
	UnrespondedSent int `cbor:"4,keyasint"`

	// UnrespondedReceived counts stanzas received from the device
	// without responding. A heartbeat is sent when it hits its threshold.
	UnrespondedReceived int `cbor:"5,keyasint"`

	// RemovedAt is set when the device disappears from its owner's
	// published device list. Zero while the device is listed.
	RemovedAt time.Time `cbor:"6,keyasint,omitempty"`
}

// Address identifies a remote device.
type Address struct {
	JID      string
	DeviceID uint32
}
