package crypto

import "omemo/internal/domain"

// GenerateIdentity creates a device's long-term key material: an X25519
// pair for Diffie-Hellman and an Ed25519 pair for signatures.
func GenerateIdentity() (domain.IdentityKeyPair, error) {
	xPriv, xPub, err := GenerateX25519()
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	edPriv, edPub, err := GenerateEd25519()
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	return domain.IdentityKeyPair{
		XPub:   xPub,
		XPriv:  xPriv,
		EdPub:  edPub,
		EdPriv: edPriv,
	}, nil
}
