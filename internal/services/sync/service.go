package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omemo/internal/domain"
	"omemo/internal/services/keys"
	"omemo/internal/services/registry"
	"omemo/internal/wire"
)

// Service implements the device synchronization protocol for one
// account.
type Service struct {
	pubsub   domain.PubSub
	keys     *keys.Service
	registry *registry.Service
	variant  wire.Variant
	ownJID   string
	log      *slog.Logger

	mu       sync.Mutex
	features map[string]bool
}

// New constructs the protocol for the account's bare JID.
func New(ps domain.PubSub, keys *keys.Service, registry *registry.Service, variant wire.Variant, ownJID string, log *slog.Logger) *Service {
	return &Service{
		pubsub:   ps,
		keys:     keys,
		registry: registry,
		variant:  variant,
		ownJID:   wire.BareJID(ownJID),
		log:      log,
	}
}

// PublishOmemoData publishes the device bundle and then the device
// list, the order peers need to be able to use the list immediately.
func (s *Service) PublishOmemoData(ctx context.Context) error {
	if err := s.PublishDeviceBundle(ctx); err != nil {
		return err
	}
	return s.PublishDeviceList(ctx)
}

// PublishDeviceBundle publishes the own device's current bundle.
func (s *Service) PublishDeviceBundle(ctx context.Context) error {
	own, err := s.keys.OwnDevice()
	if err != nil {
		return err
	}
	bundle, err := s.keys.Bundle()
	if err != nil {
		return err
	}
	payload, err := wire.MarshalDeviceBundle(s.variant, &bundle)
	if err != nil {
		return err
	}
	item := domain.Item{ID: s.variant.BundleItemID(own.ID), Payload: payload}
	// The shared bundle node must hold one item per device.
	cfg := domain.NodeConfig{MaxItems: domain.MaxItemsUnlimited}
	return s.publishWithFallback(ctx, s.variant.BundleNode(own.ID), item, cfg)
}

// PublishDeviceList publishes the own device list, merging the entries
// already visible on the server so other own devices are not dropped.
func (s *Service) PublishDeviceList(ctx context.Context) error {
	own, err := s.keys.OwnDevice()
	if err != nil {
		return err
	}
	entries, err := s.fetchDeviceList(ctx, s.ownJID)
	if err != nil && !errors.Is(err, domain.ErrItemNotFound) && !errors.Is(err, domain.ErrNodeNotFound) {
		return err
	}
	entries = repairOwnList(entries, own)
	return s.publishDeviceListEntries(ctx, entries)
}

func (s *Service) publishDeviceListEntries(ctx context.Context, entries []wire.DeviceListEntry) error {
	payload, err := wire.MarshalDeviceList(s.variant, entries)
	if err != nil {
		return err
	}
	item := domain.Item{ID: s.variant.DeviceListItemID(), Payload: payload}
	cfg := domain.NodeConfig{MaxItems: 1}
	return s.publishWithFallback(ctx, s.variant.DeviceListNode(), item, cfg)
}

// publishWithFallback tries each publish strategy the service supports:
// publish with inline options, create-and-configure plus plain publish,
// create then configure plus plain publish, and finally a bare publish.
// Every step is gated on the discovered capability; the errors of the
// attempted steps are joined if none succeeds.
func (s *Service) publishWithFallback(ctx context.Context, node string, item domain.Item, cfg domain.NodeConfig) error {
	features, err := s.serviceFeatures(ctx)
	if err != nil {
		return err
	}

	var errs []error

	if features[domain.FeaturePublishOptions] {
		if err := s.pubsub.PublishItem(ctx, s.ownJID, node, item, &cfg); err == nil {
			return nil
		} else {
			errs = append(errs, fmt.Errorf("publish with options: %w", err))
		}
	}

	if features[domain.FeatureCreateAndConfigure] {
		if err := s.pubsub.CreateNode(ctx, s.ownJID, node, &cfg); err == nil || errors.Is(err, domain.ErrNodeExists) {
			if err := s.pubsub.PublishItem(ctx, s.ownJID, node, item, nil); err == nil {
				return nil
			} else {
				errs = append(errs, fmt.Errorf("publish after create-and-configure: %w", err))
			}
		} else {
			errs = append(errs, fmt.Errorf("create-and-configure: %w", err))
		}
	}

	if features[domain.FeatureCreateNodes] && features[domain.FeatureConfigNode] {
		if err := s.pubsub.CreateNode(ctx, s.ownJID, node, nil); err == nil || errors.Is(err, domain.ErrNodeExists) {
			if err := s.pubsub.ConfigureNode(ctx, s.ownJID, node, cfg); err != nil {
				errs = append(errs, fmt.Errorf("configure node: %w", err))
			} else if err := s.pubsub.PublishItem(ctx, s.ownJID, node, item, nil); err == nil {
				return nil
			} else {
				errs = append(errs, fmt.Errorf("publish after configure: %w", err))
			}
		} else {
			errs = append(errs, fmt.Errorf("create node: %w", err))
		}
	}

	if err := s.pubsub.PublishItem(ctx, s.ownJID, node, item, nil); err == nil {
		s.log.Warn("published without node configuration", "node", node)
		return nil
	} else {
		errs = append(errs, fmt.Errorf("plain publish: %w", err))
	}

	return fmt.Errorf("sync: publishing to %s failed: %w", node, errors.Join(errs...))
}

func (s *Service) serviceFeatures(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.features != nil {
		return s.features, nil
	}
	list, err := s.pubsub.Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: discover service features: %w", err)
	}
	s.features = make(map[string]bool, len(list))
	for _, f := range list {
		s.features[f] = true
	}
	return s.features, nil
}

// RefreshDeviceList fetches a JID's published device list and folds it
// into the registry. A missing node or item is treated as an anomaly,
// not a transport failure.
func (s *Service) RefreshDeviceList(ctx context.Context, jid string) error {
	jid = wire.BareJID(jid)
	entries, err := s.fetchDeviceList(ctx, jid)
	if errors.Is(err, domain.ErrItemNotFound) || errors.Is(err, domain.ErrNodeNotFound) {
		return s.HandleListNodeAnomaly(ctx, jid)
	}
	if err != nil {
		return err
	}
	return s.ReconcileDeviceList(ctx, jid, entries)
}

func (s *Service) fetchDeviceList(ctx context.Context, jid string) ([]wire.DeviceListEntry, error) {
	item, err := s.pubsub.RequestItem(ctx, jid, s.variant.DeviceListNode(), s.variant.DeviceListItemID())
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalDeviceList(s.variant, item.Payload)
}

// ReconcileDeviceList folds a fetched device list into local state. For
// the own JID it additionally repairs duplicate IDs, a missing self
// entry and a stale label by republishing a corrected list.
func (s *Service) ReconcileDeviceList(ctx context.Context, jid string, entries []wire.DeviceListEntry) error {
	jid = wire.BareJID(jid)

	if jid == s.ownJID {
		own, err := s.keys.OwnDevice()
		if err != nil {
			return err
		}
		repaired := repairOwnList(entries, own)
		if !sameEntries(entries, repaired) {
			s.log.Info("repairing own device list")
			if err := s.publishDeviceListEntries(ctx, repaired); err != nil {
				return err
			}
		}
		entries = repaired
	}

	own, _ := s.keys.OwnDevice()
	listed := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		listed[e.ID] = true
		if jid == s.ownJID && e.ID == own.ID {
			continue
		}
		s.registry.RecordDevice(ctx, jid, e.ID, e.Label)
	}

	// Devices no longer listed enter the removal grace period.
	now := time.Now()
	devices, err := s.registry.DevicesOf(ctx, jid)
	if err != nil {
		return err
	}
	for id := range devices {
		if !listed[id] {
			s.registry.MarkRemoved(ctx, jid, id, now)
		}
	}
	return nil
}

// HandleListNodeAnomaly reacts to a vanished device list node or item:
// the own list is republished, another account's devices all enter the
// removal grace period.
func (s *Service) HandleListNodeAnomaly(ctx context.Context, jid string) error {
	jid = wire.BareJID(jid)
	if jid == s.ownJID {
		s.log.Warn("own device list disappeared, republishing")
		return s.PublishDeviceList(ctx)
	}
	s.log.Warn("device list disappeared, marking devices removed", "jid", jid)
	s.registry.MarkAllRemoved(ctx, jid, time.Now())
	return nil
}

// RequestDeviceBundle fetches and parses one device's bundle.
func (s *Service) RequestDeviceBundle(ctx context.Context, jid string, deviceID uint32) (*domain.DeviceBundle, error) {
	jid = wire.BareJID(jid)
	item, err := s.pubsub.RequestItem(ctx, jid, s.variant.BundleNode(deviceID), s.variant.BundleItemID(deviceID))
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalDeviceBundle(s.variant, item.Payload)
}

// PublishedDeviceIDs returns the IDs on the account's published device
// list, used during device ID allocation.
func (s *Service) PublishedDeviceIDs(ctx context.Context) ([]uint32, error) {
	entries, err := s.fetchDeviceList(ctx, s.ownJID)
	if errors.Is(err, domain.ErrItemNotFound) || errors.Is(err, domain.ErrNodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// SubscribeToDeviceList subscribes to a JID's device list node so
// future updates are pushed, used when a stanza arrives from a device
// of a previously unknown JID.
func (s *Service) SubscribeToDeviceList(ctx context.Context, jid string) error {
	return s.pubsub.Subscribe(ctx, wire.BareJID(jid), s.variant.DeviceListNode())
}

// UnsubscribeFromDeviceList drops the device list subscription.
func (s *Service) UnsubscribeFromDeviceList(ctx context.Context, jid string) error {
	return s.pubsub.Unsubscribe(ctx, wire.BareJID(jid), s.variant.DeviceListNode())
}

// UnsubscribeFromAllDeviceLists drops the device list subscriptions of
// every known contact, typically before a reset. Missing subscriptions
// are skipped.
func (s *Service) UnsubscribeFromAllDeviceLists(ctx context.Context) error {
	var errs []error
	for _, jid := range s.registry.KnownJIDs() {
		if jid == s.ownJID {
			continue
		}
		if err := s.UnsubscribeFromDeviceList(ctx, jid); err != nil && !errors.Is(err, domain.ErrItemNotFound) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", jid, err))
		}
	}
	return errors.Join(errs...)
}

// ResetOwnDevice withdraws the own device from the server: its bundle
// item is retracted and the device list is republished without it.
func (s *Service) ResetOwnDevice(ctx context.Context) error {
	own, err := s.keys.OwnDevice()
	if err != nil {
		return err
	}

	entries, err := s.fetchDeviceList(ctx, s.ownJID)
	if err != nil && !errors.Is(err, domain.ErrItemNotFound) && !errors.Is(err, domain.ErrNodeNotFound) {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != own.ID {
			kept = append(kept, e)
		}
	}
	if err := s.publishDeviceListEntries(ctx, kept); err != nil {
		return err
	}

	node := s.variant.BundleNode(own.ID)
	if s.variant == wire.Legacy {
		// The legacy revision keeps one node per device.
		if err := s.pubsub.DeleteNode(ctx, s.ownJID, node); err != nil && !errors.Is(err, domain.ErrNodeNotFound) {
			return err
		}
		return nil
	}
	if err := s.pubsub.RetractItem(ctx, s.ownJID, node, s.variant.BundleItemID(own.ID)); err != nil &&
		!errors.Is(err, domain.ErrItemNotFound) && !errors.Is(err, domain.ErrNodeNotFound) {
		return err
	}
	return nil
}

// DeleteOwnNodes removes the account's OMEMO nodes entirely, as part of
// a full reset.
func (s *Service) DeleteOwnNodes(ctx context.Context) error {
	var errs []error
	for _, node := range []string{s.variant.DeviceListNode(), s.variant.BundlesNode()} {
		if err := s.pubsub.DeleteNode(ctx, s.ownJID, node); err != nil && !errors.Is(err, domain.ErrNodeNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// repairOwnList deduplicates IDs, guarantees the self entry and keeps
// its label current.
func repairOwnList(entries []wire.DeviceListEntry, own domain.OwnDevice) []wire.DeviceListEntry {
	seen := make(map[uint32]bool, len(entries)+1)
	out := make([]wire.DeviceListEntry, 0, len(entries)+1)
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if e.ID == own.ID {
			e.Label = own.Label
		}
		out = append(out, e)
	}
	if !seen[own.ID] {
		out = append(out, wire.DeviceListEntry{ID: own.ID, Label: own.Label})
	}
	return out
}

func sameEntries(a, b []wire.DeviceListEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
