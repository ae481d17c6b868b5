package domain

import "context"

// Storage is the durable mirror of the OMEMO state. The in-memory state
// held by the services is the source of truth during a session; a
// storage write failure must be logged, never rolled back into memory.
type Storage interface {
	// OwnDevice returns the stored own device, or nil if none exists.
	OwnDevice(ctx context.Context) (*OwnDevice, error)
	SetOwnDevice(ctx context.Context, device *OwnDevice) error

	AddSignedPreKeyPair(ctx context.Context, pair SignedPreKeyPair) error
	RemoveSignedPreKeyPair(ctx context.Context, id uint32) error
	SignedPreKeyPairs(ctx context.Context) ([]SignedPreKeyPair, error)

	AddPreKeyPairs(ctx context.Context, pairs []PreKeyPair) error
	RemovePreKeyPair(ctx context.Context, id uint32) error
	PreKeyPairs(ctx context.Context) ([]PreKeyPair, error)

	AddDevice(ctx context.Context, jid string, deviceID uint32, device RemoteDevice) error
	RemoveDevice(ctx context.Context, jid string, deviceID uint32) error
	RemoveDevices(ctx context.Context, jid string) error
	Devices(ctx context.Context) (map[string]map[uint32]RemoteDevice, error)

	// ResetAll erases everything, own device included.
	ResetAll(ctx context.Context) error
}
