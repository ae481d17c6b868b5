package x3dh

import (
	"errors"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/util/memzero"
)

var hkdfInfo = []byte("OMEMO X3DH")

// ErrInvalidSignature indicates a signed pre-key whose signature does
// not verify against the bundle's identity key.
var ErrInvalidSignature = errors.New("x3dh: invalid signed pre-key signature")

// VerifySignedPreKey checks the bundle owner's signature over the
// signed pre-key.
func VerifySignedPreKey(ik domain.PublicIdentityKey, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(ik.Ed, spk.Slice(), sig)
}

// InitiatorRoot derives the session root key on the initiating side.
// It generates the ephemeral key pair and returns its public half,
// which the responder needs to derive the same root.
func InitiatorRoot(
	our domain.IdentityKeyPair,
	peerIK domain.PublicIdentityKey,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
) (root []byte, ephemeral domain.X25519Public, err error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, ephemeral, err
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(our.XPriv, peerSPK) // DH(IKA, SPKB)
	if err != nil {
		return nil, ephemeral, err
	}
	dh2, err := crypto.DH(ephPriv, peerIK.X) // DH(EKA, IKB)
	if err != nil {
		return nil, ephemeral, err
	}
	dh3, err := crypto.DH(ephPriv, peerSPK) // DH(EKA, SPKB)
	if err != nil {
		return nil, ephemeral, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])
	memzero.Zero(dh3[:])

	if peerOPK != nil {
		dh4, err := crypto.DH(ephPriv, *peerOPK) // DH(EKA, OPKB)
		if err != nil {
			return nil, ephemeral, err
		}
		concat = append(concat, dh4[:]...)
		memzero.Zero(dh4[:])
	}

	root, err = crypto.HKDF(concat, nil, hkdfInfo, 32)
	memzero.Zero(concat)
	if err != nil {
		return nil, ephemeral, err
	}
	return root, ephPub, nil
}

// ResponderRoot derives the same root key on the responding side from
// the key-exchange parameters of the initiator's first envelope.
func ResponderRoot(
	our domain.IdentityKeyPair,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	senderIK domain.PublicIdentityKey,
	senderEphemeral domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(spkPriv, senderIK.X) // DH(SPKB, IKA)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(our.XPriv, senderEphemeral) // DH(IKB, EKA)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spkPriv, senderEphemeral) // DH(SPKB, EKA)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])
	memzero.Zero(dh3[:])

	if opkPriv != nil {
		dh4, err := crypto.DH(*opkPriv, senderEphemeral) // DH(OPKB, EKA)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
		memzero.Zero(dh4[:])
	}

	root, err := crypto.HKDF(concat, nil, hkdfInfo, 32)
	memzero.Zero(concat)
	if err != nil {
		return nil, err
	}
	return root, nil
}
