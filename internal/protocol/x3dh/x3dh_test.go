package x3dh_test

import (
	"bytes"
	"testing"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/protocol/x3dh"
)

// makeIdentity creates an identity key pair with fresh X25519 and
// Ed25519 halves.
func makeIdentity(t *testing.T) domain.IdentityKeyPair {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return id
}

func TestRootAgreement_NoOneTimePreKey(t *testing.T) {
	// Alice initiates toward Bob.
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	aliceRoot, eph, err := x3dh.InitiatorRoot(alice, bob.Public(), spkPub, nil)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}

	bobRoot, err := x3dh.ResponderRoot(bob, spkPriv, nil, alice.Public(), eph)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(aliceRoot, bobRoot) {
		t.Fatal("root keys differ (no OPK)")
	}
}

func TestRootAgreement_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	opkPriv, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}

	aliceRoot, eph, err := x3dh.InitiatorRoot(alice, bob.Public(), spkPub, &opkPub)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}

	bobRoot, err := x3dh.ResponderRoot(bob, spkPriv, &opkPriv, alice.Public(), eph)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(aliceRoot, bobRoot) {
		t.Fatal("root keys differ (with OPK)")
	}
}

func TestRootAgreement_OPKChangesRoot(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	_, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}

	withOPK, eph, err := x3dh.InitiatorRoot(alice, bob.Public(), spkPub, &opkPub)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}

	// A responder missing the one-time pre-key derives a different root.
	withoutOPK, err := x3dh.ResponderRoot(bob, spkPriv, nil, alice.Public(), eph)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if bytes.Equal(withOPK, withoutOPK) {
		t.Fatal("root keys should differ when the OPK is dropped")
	}
}

func TestVerifySignedPreKey(t *testing.T) {
	bob := makeIdentity(t)

	_, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	sig := crypto.SignEd25519(bob.EdPriv, spkPub.Slice())

	if !x3dh.VerifySignedPreKey(bob.Public(), spkPub, sig) {
		t.Fatal("valid signature rejected")
	}

	sig[0] ^= 0x01
	if x3dh.VerifySignedPreKey(bob.Public(), spkPub, sig) {
		t.Fatal("tampered signature accepted")
	}
}
