// Package sync keeps the account's OMEMO data in step with the PEP
// service: it publishes the device list and bundle with a capability
// gated fallback chain, fetches and reconciles the lists of other
// accounts, and repairs anomalies on the account's own nodes.
package sync
