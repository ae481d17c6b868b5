// Package crypto wraps the primitive operations the OMEMO core needs:
// X25519 key generation and Diffie-Hellman, Ed25519 signatures, and
// HKDF-SHA-256 expansion.
package crypto
