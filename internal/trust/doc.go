// Package trust implements the trust store and the trust-on-first-use
// security policy. Decisions are keyed by protocol namespace, owner
// bare JID and key ID, so the two protocol revisions keep independent
// trust state.
package trust
