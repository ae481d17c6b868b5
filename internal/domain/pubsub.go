package domain

import "context"

// PubSub feature strings the sync protocol gates its fallbacks on.
// They are the XEP-0060 feature vars announced by the PEP service.
const (
	FeaturePublish              = "http://jabber.org/protocol/pubsub#publish"
	FeaturePublishOptions       = "http://jabber.org/protocol/pubsub#publish-options"
	FeatureAutoCreate           = "http://jabber.org/protocol/pubsub#auto-create"
	FeatureCreateAndConfigure   = "http://jabber.org/protocol/pubsub#create-and-configure"
	FeatureCreateNodes          = "http://jabber.org/protocol/pubsub#create-nodes"
	FeatureConfigNode           = "http://jabber.org/protocol/pubsub#config-node"
	FeatureConfigNodeMax        = "http://jabber.org/protocol/pubsub#config-node-max"
	FeatureMultiItems           = "http://jabber.org/protocol/pubsub#multi-items"
)

// Item is a PubSub item: an ID and its raw payload element.
type Item struct {
	ID      string
	Payload []byte
}

// NodeConfig carries the node options the OMEMO nodes need. A zero
// MaxItems leaves the service default in place; MaxItemsUnlimited asks
// for the service maximum.
type NodeConfig struct {
	MaxItems uint64
}

// MaxItemsUnlimited requests the highest item limit the service allows.
const MaxItemsUnlimited = ^uint64(0)

// PubSub is the generic PubSub/PEP request manager the sync protocol
// publishes device lists and bundles through. Implementations return
// typed errors; ErrItemNotFound and ErrNodeNotFound distinguish absent
// data from transport failure.
type PubSub interface {
	PublishItem(ctx context.Context, jid, node string, item Item, options *NodeConfig) error
	RequestItem(ctx context.Context, jid, node, itemID string) (Item, error)
	RequestItemIDs(ctx context.Context, jid, node string) ([]string, error)
	RequestNodes(ctx context.Context, jid string) ([]string, error)
	RetractItem(ctx context.Context, jid, node, itemID string) error

	CreateNode(ctx context.Context, jid, node string, config *NodeConfig) error
	ConfigureNode(ctx context.Context, jid, node string, config NodeConfig) error
	DeleteNode(ctx context.Context, jid, node string) error

	Subscribe(ctx context.Context, jid, node string) error
	Unsubscribe(ctx context.Context, jid, node string) error

	// Features returns the feature vars of the account's PEP service.
	Features(ctx context.Context) ([]string, error)
}
