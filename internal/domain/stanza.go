package domain

import (
	"context"
	"time"
)

// Message stanza types relevant to the encryption core.
const (
	MessageTypeChat      = "chat"
	MessageTypeGroupChat = "groupchat"
)

// OmemoEnvelope is one per-recipient-device <key> element: the payload
// decryption data wrapped with that device's ratchet session.
type OmemoEnvelope struct {
	RecipientDeviceID uint32
	// KeyExchange marks an envelope that additionally carries session
	// initiation data the recipient must build a session from.
	KeyExchange bool
	Data        []byte
}

// OmemoElement is the <encrypted> element attached to a stanza: the
// shared symmetric payload plus one envelope per recipient device,
// grouped by recipient bare JID.
type OmemoElement struct {
	SenderDeviceID uint32
	Envelopes      map[string][]OmemoEnvelope
	Payload        []byte
	// IV is only used by the legacy protocol variant, which transmits
	// the payload initialization vector beside the ciphertext.
	IV []byte
}

// Envelope returns the envelope addressed to (jid, deviceID), if any.
func (e *OmemoElement) Envelope(jid string, deviceID uint32) (OmemoEnvelope, bool) {
	for _, env := range e.Envelopes[jid] {
		if env.RecipientDeviceID == deviceID {
			return env, true
		}
	}
	return OmemoEnvelope{}, false
}

// AddEnvelope appends an envelope for a recipient JID.
func (e *OmemoElement) AddEnvelope(jid string, env OmemoEnvelope) {
	if e.Envelopes == nil {
		e.Envelopes = make(map[string][]OmemoEnvelope)
	}
	e.Envelopes[jid] = append(e.Envelopes[jid], env)
}

// E2EEMetadata describes how a decrypted stanza was protected. Callers
// use the SCE timestamp for replay and ordering checks.
type E2EEMetadata struct {
	Namespace    string
	SenderKeyID  []byte
	SCETimestamp time.Time
}

// MessageStanza is the minimal typed view of a message stanza the
// encryption core works with. Full stanza parsing and serialization
// happens outside the core.
type MessageStanza struct {
	ID   string
	From string
	To   string
	Type string

	// Body is the sensitive content. It is cleared from the wire form
	// when the stanza is encrypted and restored on decryption.
	Body string

	// ChatStateOnly marks stanzas with no user-visible content (chat
	// states, receipts). They get a storage hint instead of a fallback
	// body.
	ChatStateOnly bool

	Encrypted    *OmemoElement
	FallbackBody string
	StoreHint    bool

	E2EE *E2EEMetadata
}

// Sender delivers stanzas to the network. The core uses it for
// heartbeat and session-acknowledgment messages.
type Sender interface {
	SendMessage(ctx context.Context, stanza *MessageStanza) error
}
