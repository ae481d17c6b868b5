// Package pipeline drives stanza encryption and decryption end to end.
//
// Outbound, it serializes a stanza's sensitive content into an SCE
// envelope, encrypts it once with a fresh payload key, and fans the
// key material out to every eligible recipient device through its
// ratchet session. Inbound, it locates the envelope addressed to this
// device, runs it through the ratchet, and restores the protected
// content after validating the envelope's affix elements.
package pipeline
