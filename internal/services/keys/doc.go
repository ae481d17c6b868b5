// Package keys owns the local device's cryptographic material: the
// identity key pair, the rotating signed pre-key set and the one-time
// pre-key pool. It keeps the working copy in memory and mirrors every
// mutation to storage.
package keys
