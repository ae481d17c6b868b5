package domain

import "errors"

var (
	// ErrItemNotFound is returned by PubSub implementations when a node
	// exists but holds no item with the requested ID.
	ErrItemNotFound = errors.New("pubsub: item not found")

	// ErrNodeNotFound is returned by PubSub implementations when the
	// requested node does not exist.
	ErrNodeNotFound = errors.New("pubsub: node not found")

	// ErrNodeExists is returned by CreateNode when the node already
	// exists.
	ErrNodeExists = errors.New("pubsub: node already exists")

	// ErrUnsupported is returned when the PEP service does not announce
	// the feature an operation needs. The sync protocol falls back to
	// the next publish strategy on it.
	ErrUnsupported = errors.New("pubsub: operation not supported by service")
)
