package pubsub_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"

	"omemo/internal/domain"
	"omemo/internal/pubsub"
)

const accountJID = "alice@example.org"

func TestMemory_PublishAndFetch(t *testing.T) {
	m := pubsub.NewMemory(pubsub.AllFeatures...)
	ctx := context.Background()

	item := domain.Item{ID: "current", Payload: []byte("<devices/>")}
	if err := m.PublishItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", item, nil); err != nil {
		t.Fatalf("PublishItem: %v", err)
	}

	got, err := m.RequestItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", "current")
	if err != nil {
		t.Fatalf("RequestItem: %v", err)
	}
	if string(got.Payload) != "<devices/>" {
		t.Fatalf("payload %q", got.Payload)
	}

	if _, err := m.RequestItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", "missing"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
	if _, err := m.RequestItem(ctx, accountJID, "no-such-node", "current"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("got %v, want ErrNodeNotFound", err)
	}
}

func TestMemory_FeatureGating(t *testing.T) {
	// A server with bare publish support only.
	m := pubsub.NewMemory(domain.FeaturePublish, domain.FeatureAutoCreate)
	ctx := context.Background()

	opts := &domain.NodeConfig{MaxItems: domain.MaxItemsUnlimited}
	err := m.PublishItem(ctx, accountJID, "node", domain.Item{ID: "current"}, opts)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("publish-options: got %v, want ErrUnsupported", err)
	}
	if err := m.CreateNode(ctx, accountJID, "node", nil); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("create-nodes: got %v, want ErrUnsupported", err)
	}

	// Plain publish with auto-create still works.
	if err := m.PublishItem(ctx, accountJID, "node", domain.Item{ID: "current"}, nil); err != nil {
		t.Fatalf("plain publish: %v", err)
	}
}

func TestMemory_PublishWithoutAutoCreate(t *testing.T) {
	m := pubsub.NewMemory(domain.FeaturePublish)
	err := m.PublishItem(context.Background(), accountJID, "node", domain.Item{ID: "x"}, nil)
	if !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("got %v, want ErrNodeNotFound", err)
	}
}

func TestMemory_MaxItemsDropsOldest(t *testing.T) {
	m := pubsub.NewMemory(pubsub.AllFeatures...)
	ctx := context.Background()

	if err := m.CreateNode(ctx, accountJID, "bundles", &domain.NodeConfig{MaxItems: 2}); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	for _, id := range []string{"1", "2", "3"} {
		if err := m.PublishItem(ctx, accountJID, "bundles", domain.Item{ID: id}, nil); err != nil {
			t.Fatalf("PublishItem %s: %v", id, err)
		}
	}

	ids, err := m.RequestItemIDs(ctx, accountJID, "bundles")
	if err != nil {
		t.Fatalf("RequestItemIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "2" || ids[1] != "3" {
		t.Fatalf("ids = %v, want [2 3]", ids)
	}
}

func TestMemory_RetractAndDelete(t *testing.T) {
	m := pubsub.NewMemory(pubsub.AllFeatures...)
	ctx := context.Background()

	if err := m.PublishItem(ctx, accountJID, "node", domain.Item{ID: "current"}, nil); err != nil {
		t.Fatalf("PublishItem: %v", err)
	}
	if err := m.RetractItem(ctx, accountJID, "node", "current"); err != nil {
		t.Fatalf("RetractItem: %v", err)
	}
	if err := m.RetractItem(ctx, accountJID, "node", "current"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("second retract: got %v, want ErrItemNotFound", err)
	}
	if err := m.DeleteNode(ctx, accountJID, "node"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if err := m.DeleteNode(ctx, accountJID, "node"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("second delete: got %v, want ErrNodeNotFound", err)
	}
}

// TestHTTPRoundTrip drives the HTTP client against the pepd handler and
// checks that the error mapping survives the wire.
func TestHTTPRoundTrip(t *testing.T) {
	svc := pubsub.NewMemory(pubsub.AllFeatures...)
	srv := httptest.NewServer(pubsub.Handler(svc, slog.Default()))
	defer srv.Close()

	c := pubsub.NewHTTP(srv.URL)
	ctx := context.Background()

	features, err := c.Features(ctx)
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	if len(features) != len(pubsub.AllFeatures) {
		t.Fatalf("got %d features, want %d", len(features), len(pubsub.AllFeatures))
	}

	item := domain.Item{ID: "current", Payload: []byte("<devices/>")}
	opts := &domain.NodeConfig{MaxItems: domain.MaxItemsUnlimited}
	if err := c.PublishItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", item, opts); err != nil {
		t.Fatalf("PublishItem: %v", err)
	}

	got, err := c.RequestItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", "current")
	if err != nil {
		t.Fatalf("RequestItem: %v", err)
	}
	if string(got.Payload) != "<devices/>" {
		t.Fatalf("payload %q", got.Payload)
	}

	if _, err := c.RequestItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", "nope"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
	if _, err := c.RequestItemIDs(ctx, accountJID, "no-such-node"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("got %v, want ErrNodeNotFound", err)
	}
	if err := c.CreateNode(ctx, accountJID, "urn:xmpp:omemo:2:devices", nil); !errors.Is(err, domain.ErrNodeExists) {
		t.Fatalf("got %v, want ErrNodeExists", err)
	}

	if err := c.Subscribe(ctx, "bob@example.org", "urn:xmpp:omemo:2:devices"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if svc.Subscribed("bob@example.org", "urn:xmpp:omemo:2:devices") != 1 {
		t.Fatal("subscription not recorded")
	}
	if err := c.Unsubscribe(ctx, "bob@example.org", "urn:xmpp:omemo:2:devices"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if err := c.DeleteNode(ctx, accountJID, "urn:xmpp:omemo:2:devices"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := c.RequestItem(ctx, accountJID, "urn:xmpp:omemo:2:devices", "current"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("got %v, want ErrNodeNotFound", err)
	}
}

func TestHTTPRoundTrip_UnsupportedFeature(t *testing.T) {
	svc := pubsub.NewMemory(domain.FeaturePublish, domain.FeatureAutoCreate)
	srv := httptest.NewServer(pubsub.Handler(svc, slog.Default()))
	defer srv.Close()

	c := pubsub.NewHTTP(srv.URL)
	opts := &domain.NodeConfig{MaxItems: 1}
	err := c.PublishItem(context.Background(), accountJID, "node", domain.Item{ID: "x"}, opts)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}
