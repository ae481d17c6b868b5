// Command pepd runs an in-memory PEP service for local development.
// It speaks the same HTTP API the omemo CLI's PEP client uses, holds
// all nodes in memory, and advertises the full feature set.
package main
