package wire

import (
	"encoding/xml"
	"fmt"

	"omemo/internal/domain"
)

const nsClient = "jabber:client"

type xmlBody struct {
	XMLName xml.Name `xml:"body"`
	Xmlns   string   `xml:"xmlns,attr"`
	Text    string   `xml:",chardata"`
}

// SerializeStanzaContent renders a stanza's sensitive content as the
// byte form that goes into the SCE envelope. Stanzas without content
// (chat states, receipts) serialize to nil so empty OMEMO messages can
// be recognized.
func SerializeStanzaContent(st *domain.MessageStanza) ([]byte, error) {
	if st.ChatStateOnly || st.Body == "" {
		return nil, nil
	}
	return xml.Marshal(xmlBody{Xmlns: nsClient, Text: st.Body})
}

// ParseStanzaContent restores a stanza's sensitive content from
// decrypted SCE envelope content.
func ParseStanzaContent(content []byte, st *domain.MessageStanza) error {
	if len(content) == 0 {
		return nil
	}
	var body xmlBody
	if err := xml.Unmarshal(content, &body); err != nil {
		return fmt.Errorf("wire: parse stanza content: %w", err)
	}
	st.Body = body.Text
	return nil
}
