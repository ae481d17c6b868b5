package pubsub

import (
	"context"
	"sync"

	"omemo/internal/domain"
)

// AllFeatures is the feature set of a fully capable PEP service.
var AllFeatures = []string{
	domain.FeaturePublish,
	domain.FeaturePublishOptions,
	domain.FeatureAutoCreate,
	domain.FeatureCreateAndConfigure,
	domain.FeatureCreateNodes,
	domain.FeatureConfigNode,
	domain.FeatureConfigNodeMax,
	domain.FeatureMultiItems,
}

type memNode struct {
	config domain.NodeConfig
	items  map[string]domain.Item
	order  []string // item IDs, oldest first
}

// Memory is an in-process PEP service. The feature set is fixed at
// construction, so tests can model servers of varying capability and
// exercise the publish fallback chain.
type Memory struct {
	mu       sync.Mutex
	features map[string]bool
	nodes    map[string]map[string]*memNode // jid -> node name
	subs     map[string]map[string]int      // jid -> node -> subscriber count
}

var _ domain.PubSub = (*Memory)(nil)

// NewMemory returns a service announcing exactly the given features.
func NewMemory(features ...string) *Memory {
	m := &Memory{
		features: make(map[string]bool, len(features)),
		nodes:    make(map[string]map[string]*memNode),
		subs:     make(map[string]map[string]int),
	}
	for _, f := range features {
		m.features[f] = true
	}
	return m
}

func (m *Memory) PublishItem(_ context.Context, jid, node string, item domain.Item, options *domain.NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if options != nil && !m.features[domain.FeaturePublishOptions] {
		return domain.ErrUnsupported
	}
	n := m.node(jid, node)
	if n == nil {
		if !m.features[domain.FeatureAutoCreate] {
			return domain.ErrNodeNotFound
		}
		n = m.createNode(jid, node)
	}
	if options != nil {
		n.config = *options
	}

	if _, exists := n.items[item.ID]; !exists {
		n.order = append(n.order, item.ID)
	}
	n.items[item.ID] = item
	m.enforceMaxItems(n)
	return nil
}

func (m *Memory) RequestItem(_ context.Context, jid, node, itemID string) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.node(jid, node)
	if n == nil {
		return domain.Item{}, domain.ErrNodeNotFound
	}
	item, ok := n.items[itemID]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (m *Memory) RequestItemIDs(_ context.Context, jid, node string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.node(jid, node)
	if n == nil {
		return nil, domain.ErrNodeNotFound
	}
	return append([]string(nil), n.order...), nil
}

func (m *Memory) RequestNodes(_ context.Context, jid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.nodes[jid] {
		names = append(names, name)
	}
	return names, nil
}

func (m *Memory) RetractItem(_ context.Context, jid, node, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.node(jid, node)
	if n == nil {
		return domain.ErrNodeNotFound
	}
	if _, ok := n.items[itemID]; !ok {
		return domain.ErrItemNotFound
	}
	delete(n.items, itemID)
	for i, id := range n.order {
		if id == itemID {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) CreateNode(_ context.Context, jid, node string, config *domain.NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config != nil && !m.features[domain.FeatureCreateAndConfigure] {
		return domain.ErrUnsupported
	}
	if !m.features[domain.FeatureCreateNodes] {
		return domain.ErrUnsupported
	}
	if m.node(jid, node) != nil {
		return domain.ErrNodeExists
	}
	n := m.createNode(jid, node)
	if config != nil {
		n.config = *config
	}
	return nil
}

func (m *Memory) ConfigureNode(_ context.Context, jid, node string, config domain.NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.features[domain.FeatureConfigNode] {
		return domain.ErrUnsupported
	}
	n := m.node(jid, node)
	if n == nil {
		return domain.ErrNodeNotFound
	}
	n.config = config
	m.enforceMaxItems(n)
	return nil
}

func (m *Memory) DeleteNode(_ context.Context, jid, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.node(jid, node) == nil {
		return domain.ErrNodeNotFound
	}
	delete(m.nodes[jid], node)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, jid, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNode := m.subs[jid]
	if byNode == nil {
		byNode = make(map[string]int)
		m.subs[jid] = byNode
	}
	byNode[node]++
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, jid, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNode := m.subs[jid]
	if byNode == nil || byNode[node] == 0 {
		return domain.ErrItemNotFound
	}
	byNode[node]--
	return nil
}

func (m *Memory) Features(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for f := range m.features {
		out = append(out, f)
	}
	return out, nil
}

// Subscribed reports the active subscription count for a node; tests
// use it to observe Subscribe/Unsubscribe effects.
func (m *Memory) Subscribed(jid, node string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[jid][node]
}

func (m *Memory) node(jid, node string) *memNode {
	return m.nodes[jid][node]
}

func (m *Memory) createNode(jid, node string) *memNode {
	byName := m.nodes[jid]
	if byName == nil {
		byName = make(map[string]*memNode)
		m.nodes[jid] = byName
	}
	n := &memNode{items: make(map[string]domain.Item)}
	byName[node] = n
	return n
}

// enforceMaxItems drops the oldest items once the configured limit is
// exceeded, matching how PEP services apply max-items.
func (m *Memory) enforceMaxItems(n *memNode) {
	max := n.config.MaxItems
	if max == 0 || max == domain.MaxItemsUnlimited {
		return
	}
	for uint64(len(n.order)) > max {
		oldest := n.order[0]
		n.order = n.order[1:]
		delete(n.items, oldest)
	}
}
