package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"omemo/internal/domain"
)

// GenerateEd25519 returns a fresh Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	copy(priv[:], privKey)
	copy(pub[:], pubKey)
	return
}

// SignEd25519 signs msg with the private key.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(priv.Slice(), msg)
}

// VerifyEd25519 reports whether sig is a valid signature of msg.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	return ed25519.Verify(pub.Slice(), msg, sig)
}
