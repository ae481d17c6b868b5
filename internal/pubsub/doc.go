// Package pubsub provides the PEP request managers the sync protocol
// publishes device lists and bundles through.
//
// Memory is a complete in-process PEP service with a configurable
// feature set, used by tests and embedded in the pepd development
// server. HTTPClient talks JSON over HTTP to a pepd instance and is
// what the CLI wires in.
package pubsub
