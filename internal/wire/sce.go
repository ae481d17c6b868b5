package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math/big"
	"time"
)

// SCE envelope constants (XEP-0420).
const (
	sceNamespace = "urn:xmpp:sce:1"

	// Random padding bounds of the <rpad> affix element.
	sceRpadSizeMin = 0
	sceRpadSizeMax = 200
)

// SCEEnvelope is the decrypted inner envelope of an OMEMO payload: the
// affix elements plus the protected stanza content.
type SCEEnvelope struct {
	Timestamp time.Time
	To        string
	From      string
	Content   []byte
}

type xmlSceTime struct {
	XMLName xml.Name `xml:"time"`
	Stamp   string   `xml:"stamp,attr"`
}

type xmlSceJid struct {
	JID string `xml:"jid,attr"`
}

type xmlSceContent struct {
	XMLName xml.Name `xml:"content"`
	Inner   []byte   `xml:",innerxml"`
}

type xmlSceEnvelope struct {
	XMLName xml.Name      `xml:"envelope"`
	Xmlns   string        `xml:"xmlns,attr"`
	Content xmlSceContent `xml:"content"`
	Time    *xmlSceTime   `xml:"time"`
	To      *xmlSceJid    `xml:"to"`
	From    *xmlSceJid    `xml:"from"`
	Rpad    string        `xml:"rpad"`
}

// BuildSCEEnvelope serializes an SCE envelope around content with the
// standard affix elements and random padding.
func BuildSCEEnvelope(to, from string, content []byte, now time.Time) ([]byte, error) {
	rpad, err := randomPadding()
	if err != nil {
		return nil, err
	}
	env := xmlSceEnvelope{
		Xmlns:   sceNamespace,
		Content: xmlSceContent{Inner: content},
		Time:    &xmlSceTime{Stamp: now.UTC().Format(time.RFC3339)},
		To:      &xmlSceJid{JID: to},
		From:    &xmlSceJid{JID: from},
		Rpad:    rpad,
	}
	return xml.Marshal(env)
}

// ParseSCEEnvelope is the inverse of BuildSCEEnvelope.
func ParseSCEEnvelope(data []byte) (SCEEnvelope, error) {
	var in xmlSceEnvelope
	if err := xml.Unmarshal(data, &in); err != nil {
		return SCEEnvelope{}, fmt.Errorf("wire: parse sce envelope: %w", err)
	}
	if in.Xmlns != "" && in.Xmlns != sceNamespace {
		return SCEEnvelope{}, fmt.Errorf("wire: unexpected sce namespace %q", in.Xmlns)
	}
	out := SCEEnvelope{Content: in.Content.Inner}
	if in.To != nil {
		out.To = in.To.JID
	}
	if in.From != nil {
		out.From = in.From.JID
	}
	if in.Time != nil && in.Time.Stamp != "" {
		ts, err := time.Parse(time.RFC3339, in.Time.Stamp)
		if err != nil {
			return SCEEnvelope{}, fmt.Errorf("wire: sce timestamp: %w", err)
		}
		out.Timestamp = ts
	}
	return out, nil
}

// randomPadding returns base64 text of random length within the rpad
// bounds, so equal plaintexts do not produce equal envelope sizes.
func randomPadding() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(sceRpadSizeMax-sceRpadSizeMin+1))
	if err != nil {
		return "", err
	}
	pad := make([]byte, sceRpadSizeMin+int(n.Int64()))
	if _, err := rand.Read(pad); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pad), nil
}
