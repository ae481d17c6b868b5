package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Current version of the sealed blob format.
const sealFormatVersion = 1

// ErrWrongPassphrase is returned when a sealed record cannot be opened,
// covering both a bad passphrase and a corrupted blob.
var ErrWrongPassphrase = errors.New("store: wrong passphrase or corrupted record")

// blob holds the ciphertext together with its KDF parameters.
type blob struct {
	V      int    `cbor:"1,keyasint"`
	Salt   []byte `cbor:"2,keyasint"`
	N      int    `cbor:"3,keyasint"`
	R      int    `cbor:"4,keyasint"`
	P      int    `cbor:"5,keyasint"`
	Cipher []byte `cbor:"6,keyasint"`
}

// seal derives a key from the passphrase and encrypts raw.
func seal(passphrase string, raw []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte // zero nonce; the salt-bound key guarantees uniqueness
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	return cbor.Marshal(blob{
		V:      sealFormatVersion,
		Salt:   salt[:],
		N:      N,
		R:      r,
		P:      p,
		Cipher: ct,
	})
}

// open reverses seal.
func open(passphrase string, sealed []byte) ([]byte, error) {
	var bl blob
	if err := cbor.Unmarshal(sealed, &bl); err != nil {
		return nil, err
	}
	if bl.V > sealFormatVersion {
		return nil, fmt.Errorf("store: unsupported sealed record version %d", bl.V)
	}
	// The KDF parameters come from the file; cap them so a tampered
	// record cannot demand arbitrary amounts of memory.
	if bl.N < 2 || bl.N > maxScryptN || bl.R < 1 || bl.R > maxScryptR || bl.P < 1 || bl.P > maxScryptP {
		return nil, fmt.Errorf("store: sealed record has unreasonable KDF parameters (N=%d r=%d p=%d)", bl.N, bl.R, bl.P)
	}

	key, err := scrypt.Key([]byte(passphrase), bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	pt, err := aead.Open(nil, nonce[:], bl.Cipher, bl.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// Tunables for scrypt key derivation.
func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

// Upper bounds accepted when reading KDF parameters back from a blob.
const (
	maxScryptN = 1 << 20
	maxScryptR = 32
	maxScryptP = 16
)
