package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/util/memzero"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

// State carries everything one session needs between envelopes. It is
// serialized to the device store with CBOR after every step, so field
// keys are integers to keep records compact and stable.
type State struct {
	RootKey   []byte               `cbor:"1,keyasint"`
	DHPriv    domain.X25519Private `cbor:"2,keyasint"`
	DHPub     domain.X25519Public  `cbor:"3,keyasint"`
	PeerDHPub domain.X25519Public  `cbor:"4,keyasint"`
	SendCK    []byte               `cbor:"5,keyasint"`
	RecvCK    []byte               `cbor:"6,keyasint"`
	Ns        uint32               `cbor:"7,keyasint"`
	Nr        uint32               `cbor:"8,keyasint"`
	PN        uint32               `cbor:"9,keyasint"`
	Skipped   map[string][]byte    `cbor:"10,keyasint"`
}

// InitAsInitiator seeds the sending chain from the X3DH root key. The
// peer's signed pre-key doubles as their first ratchet public key.
func InitAsInitiator(root []byte, peerSPK domain.X25519Public) (State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return State{}, err
	}

	dh, err := crypto.DH(priv, peerSPK)
	if err != nil {
		return State{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return State{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerSPK,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving side from the X3DH root key. Our
// signed pre-key pair is the first local ratchet key; the sending chain
// stays empty until the first reply triggers a DH step in Encrypt.
func InitAsResponder(root []byte, spkPriv domain.X25519Private, spkPub domain.X25519Public) State {
	return State{
		RootKey: root,
		DHPriv:  spkPriv,
		DHPub:   spkPub,
		Skipped: make(map[string][]byte),
	}
}

// Encrypt derives the next message key, stepping the DH ratchet first
// when the sending chain is uninitialised (a responder's first send).
func (st *State) Encrypt(ad, plaintext []byte) (*Message, error) {
	if len(st.SendCK) == 0 {
		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPub)
		if err != nil {
			return nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.PN = st.Ns
		st.Ns = 0
		st.RootKey = rk2
		st.DHPriv, st.DHPub = newPriv, newPub
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Version: MessageVersion,
		DHPub:   append([]byte(nil), st.DHPub[:]...),
		PN:      st.PN,
		N:       st.Ns,
	}
	msg.Ciphertext, err = seal(mk, msg, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Ns++
	return msg, nil
}

// Decrypt opens one envelope, serving skipped message keys, detecting
// replays, and stepping the DH ratchet when the remote public changes.
func (st *State) Decrypt(ad []byte, msg *Message) ([]byte, error) {
	if msg.Version != MessageVersion {
		return nil, ErrLegacyMessage
	}
	if len(msg.DHPub) != 32 {
		return nil, ErrInvalidMessage
	}

	if equal32(st.PeerDHPub[:], msg.DHPub) {
		if err := skipUntil(st, msg.N); err != nil {
			return nil, err
		}
		keyID := skippedKeyID(st.PeerDHPub, msg.N)
		if mk, ok := st.Skipped[keyID]; ok {
			delete(st.Skipped, keyID)
			pt, err := open(mk, msg, ad)
			memzero.Zero(mk)
			if err != nil {
				return nil, err
			}
			if msg.N >= st.Nr {
				st.Nr = msg.N + 1
			}
			return pt, nil
		}
		// A counter behind the receiving chain whose message key is no
		// longer stored means the envelope was already consumed.
		if msg.N < st.Nr {
			return nil, ErrDuplicateMessage
		}
	} else {
		if err := skipUntil(st, msg.PN); err != nil {
			return nil, err
		}

		var newPeer domain.X25519Public
		copy(newPeer[:], msg.DHPub)

		dh, err := crypto.DH(st.DHPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(newPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRK(rk2, dh2[:])
		memzero.Zero(dh2[:])

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rk3
		st.DHPriv, st.DHPub = newPriv, newPub
		st.PeerDHPub = newPeer
		st.SendCK, st.RecvCK = sendCK, recvCK

		if err := skipUntil(st, msg.N); err != nil {
			return nil, err
		}
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, msg, ad)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// --- helpers ---

func seal(mk []byte, msg *Message, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], msg.N)
	return aead.Seal(nil, nonce, plaintext, fullAD(ad, msg)), nil
}

func open(mk []byte, msg *Message, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], msg.N)
	pt, err := aead.Open(nil, nonce, msg.Ciphertext, fullAD(ad, msg))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return pt, nil
}

// fullAD binds the ratchet header into the associated data so header
// tampering breaks authentication.
func fullAD(ad []byte, msg *Message) []byte {
	out := make([]byte, 0, len(ad)+len(msg.DHPub)+8)
	out = append(out, ad...)
	out = append(out, msg.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], msg.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], msg.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *State) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *State) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// skipUntil derives and stores message keys up to n with a hard cap.
func skipUntil(st *State, n uint32) error {
	if len(st.RecvCK) == 0 {
		return nil
	}
	if n > st.Nr && n-st.Nr > maxSkippedMK {
		return fmt.Errorf("%w: too many skipped keys", ErrInvalidMessage)
	}
	for st.Nr < n {
		nextCK, mk := kdfCK(st.RecvCK)
		st.RecvCK = nextCK
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				memzero.Zero(st.Skipped[k])
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
