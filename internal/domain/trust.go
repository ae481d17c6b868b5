package domain

import "context"

// TrustLevel is the policy-assigned confidence tier of a key.
type TrustLevel uint8

const (
	// TrustUndecided means no trust decision has been made yet.
	TrustUndecided TrustLevel = 1 << iota
	// TrustAutomaticallyDistrusted is set by the security policy, for
	// example for competing identity keys of the same owner.
	TrustAutomaticallyDistrusted
	// TrustManuallyDistrusted is an explicit user decision.
	TrustManuallyDistrusted
	// TrustAutomaticallyTrusted is set by the security policy, for
	// example by trust on first use.
	TrustAutomaticallyTrusted
	// TrustManuallyTrusted is an explicit user decision.
	TrustManuallyTrusted
	// TrustAuthenticated means the key was verified out of band.
	TrustAuthenticated
)

// TrustLevels is a set of trust levels.
type TrustLevels uint8

// Contains reports whether l is in the set.
func (s TrustLevels) Contains(l TrustLevel) bool { return s&TrustLevels(l) != 0 }

// Or returns the union of s and l.
func (s TrustLevels) Or(l TrustLevel) TrustLevels { return s | TrustLevels(l) }

// AcceptedByDefault are the trust levels that allow encrypting to a key
// unless the caller narrows or widens the set.
const AcceptedByDefault = TrustLevels(TrustAutomaticallyTrusted) |
	TrustLevels(TrustManuallyTrusted) |
	TrustLevels(TrustAuthenticated)

// Distrusted are the trust levels that forbid building a session from
// a key, whether the decision was automatic or the user's.
const Distrusted = TrustLevels(TrustAutomaticallyDistrusted) |
	TrustLevels(TrustManuallyDistrusted)

// TrustManager stores and answers trust decisions for keys. It is a
// separate policy engine; the encryption core only queries and updates
// it, keyed by protocol namespace, key owner JID and key ID.
type TrustManager interface {
	TrustLevel(ctx context.Context, namespace, jid string, keyID []byte) (TrustLevel, error)
	AddKeys(ctx context.Context, namespace, jid string, keyIDs [][]byte, level TrustLevel) error
	RemoveKeys(ctx context.Context, namespace, jid string, keyIDs [][]byte) error
	HasKey(ctx context.Context, namespace, jid string, levels TrustLevels) (bool, error)
	ResetAll(ctx context.Context, namespace string) error
}

// SecurityPolicy resolves the trust level of a key that is still
// undecided on first contact, before any session is built with it.
type SecurityPolicy interface {
	// ResolveUndecided decides and stores a trust level for the key and
	// returns the decision.
	ResolveUndecided(ctx context.Context, namespace, jid string, keyID []byte) (TrustLevel, error)
}
