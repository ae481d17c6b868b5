package trust

import (
	"context"

	"omemo/internal/domain"
)

// TOFU is a trust-on-first-use security policy: the first key seen for
// a JID is trusted automatically, every later competing key is
// distrusted until the user decides otherwise.
type TOFU struct {
	Manager domain.TrustManager
}

var _ domain.SecurityPolicy = (*TOFU)(nil)

// NewTOFU returns the policy bound to a trust store.
func NewTOFU(m domain.TrustManager) *TOFU {
	return &TOFU{Manager: m}
}

// ResolveUndecided decides and stores a level for an undecided key.
func (p *TOFU) ResolveUndecided(ctx context.Context, namespace, jid string, keyID []byte) (domain.TrustLevel, error) {
	trustedLevels := domain.TrustLevels(domain.TrustAutomaticallyTrusted).
		Or(domain.TrustManuallyTrusted).
		Or(domain.TrustAuthenticated)
	seen, err := p.Manager.HasKey(ctx, namespace, jid, trustedLevels)
	if err != nil {
		return 0, err
	}

	level := domain.TrustAutomaticallyTrusted
	if seen {
		level = domain.TrustAutomaticallyDistrusted
	}
	if err := p.Manager.AddKeys(ctx, namespace, jid, [][]byte{keyID}, level); err != nil {
		return 0, err
	}
	return level, nil
}
