package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"omemo/internal/crypto"
	"omemo/internal/util/memzero"
	"omemo/internal/wire"
)

var (
	// ErrDecryptionFailed covers authentication failure and malformed
	// ciphertext. The cause is deliberately not distinguished further.
	ErrDecryptionFailed = errors.New("payload: decryption failed")

	// ErrInvalidDecryptionData marks per-device decryption data of the
	// wrong size for the variant.
	ErrInvalidDecryptionData = errors.New("payload: invalid decryption data")
)

// hkdfInfo is the HKDF info string of the Omemo2 variant.
var hkdfInfo = []byte("OMEMO Payload")

const (
	masterSecretSize = 32
	cbcKeySize       = 32
	hmacKeySize      = 16
	cbcIVSize        = 16
	omemo2TagSize    = 16

	legacyKeySize = 16
	legacyIVSize  = 16
	legacyTagSize = 16
)

// Omemo2DataSize is the decryption data length of the Omemo2 variant:
// master secret followed by the truncated HMAC.
const Omemo2DataSize = masterSecretSize + omemo2TagSize

// LegacyDataSize is the decryption data length of the legacy variant:
// AES key followed by the GCM tag.
const LegacyDataSize = legacyKeySize + legacyTagSize

// Encrypted is the output of one payload encryption. IV is only set for
// the legacy variant, which transmits it beside the payload; the Omemo2
// variant derives its IV from the master secret.
type Encrypted struct {
	Ciphertext     []byte
	IV             []byte
	DecryptionData []byte
}

// Encrypt encrypts plaintext under a fresh random secret using the
// variant's cipher parameters.
func Encrypt(v wire.Variant, plaintext []byte) (Encrypted, error) {
	if v == wire.Legacy {
		return encryptLegacy(plaintext)
	}
	return encryptOmemo2(plaintext)
}

// Decrypt reverses Encrypt. The authentication tag is verified in
// constant time before any decryption is attempted.
func Decrypt(v wire.Variant, decryptionData, iv, ciphertext []byte) ([]byte, error) {
	if v == wire.Legacy {
		return decryptLegacy(decryptionData, iv, ciphertext)
	}
	return decryptOmemo2(decryptionData, ciphertext)
}

// encryptOmemo2 expands a random 32-byte master secret with HKDF into
// an AES-256-CBC key, an HMAC-SHA-256 key and the IV, then MACs the
// ciphertext and truncates the tag.
func encryptOmemo2(plaintext []byte) (Encrypted, error) {
	master := make([]byte, masterSecretSize)
	if _, err := rand.Read(master); err != nil {
		return Encrypted{}, err
	}

	encKey, macKey, iv, err := expandOmemo2(master)
	if err != nil {
		return Encrypted{}, err
	}
	defer memzero.Zero(encKey)
	defer memzero.Zero(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return Encrypted{}, err
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	memzero.Zero(padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ct)
	tag := mac.Sum(nil)[:omemo2TagSize]

	data := make([]byte, 0, Omemo2DataSize)
	data = append(data, master...)
	data = append(data, tag...)
	memzero.Zero(master)

	return Encrypted{Ciphertext: ct, DecryptionData: data}, nil
}

func decryptOmemo2(decryptionData, ciphertext []byte) ([]byte, error) {
	if len(decryptionData) != Omemo2DataSize {
		return nil, ErrInvalidDecryptionData
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	master := decryptionData[:masterSecretSize]
	tag := decryptionData[masterSecretSize:]

	encKey, macKey, iv, err := expandOmemo2(master)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(encKey)
	defer memzero.Zero(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil)[:omemo2TagSize], tag) {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	pt, ok := unpadPKCS7(padded, aes.BlockSize)
	if !ok {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	return pt, nil
}

func expandOmemo2(master []byte) (encKey, macKey, iv []byte, err error) {
	salt := make([]byte, sha256.Size)
	okm, err := crypto.HKDF(master, salt, hkdfInfo, cbcKeySize+hmacKeySize+cbcIVSize)
	if err != nil {
		return nil, nil, nil, err
	}
	return okm[:cbcKeySize],
		okm[cbcKeySize : cbcKeySize+hmacKeySize],
		okm[cbcKeySize+hmacKeySize:],
		nil
}

// encryptLegacy uses AES-128-GCM with a random key and a random
// 16-byte IV. The IV travels beside the payload; the tag travels with
// the key in the per-device decryption data.
func encryptLegacy(plaintext []byte) (Encrypted, error) {
	key := make([]byte, legacyKeySize)
	if _, err := rand.Read(key); err != nil {
		return Encrypted{}, err
	}
	iv := make([]byte, legacyIVSize)
	if _, err := rand.Read(iv); err != nil {
		return Encrypted{}, err
	}

	aead, err := legacyAEAD(key)
	if err != nil {
		return Encrypted{}, err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-legacyTagSize]
	tag := sealed[len(sealed)-legacyTagSize:]

	data := make([]byte, 0, LegacyDataSize)
	data = append(data, key...)
	data = append(data, tag...)
	memzero.Zero(key)

	return Encrypted{Ciphertext: ct, IV: iv, DecryptionData: data}, nil
}

func decryptLegacy(decryptionData, iv, ciphertext []byte) ([]byte, error) {
	if len(decryptionData) != LegacyDataSize {
		return nil, ErrInvalidDecryptionData
	}
	if len(iv) != legacyIVSize {
		return nil, ErrDecryptionFailed
	}
	key := decryptionData[:legacyKeySize]
	tag := decryptionData[legacyKeySize:]

	aead, err := legacyAEAD(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+legacyTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	pt, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

func legacyAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, legacyIVSize)
}

func padPKCS7(in []byte, blockSize int) []byte {
	n := blockSize - len(in)%blockSize
	out := make([]byte, len(in)+n)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpadPKCS7(in []byte, blockSize int) ([]byte, bool) {
	if len(in) == 0 || len(in)%blockSize != 0 {
		return nil, false
	}
	n := int(in[len(in)-1])
	if n == 0 || n > blockSize || n > len(in) {
		return nil, false
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return in[:len(in)-n], true
}
