package wire

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sort"

	"omemo/internal/domain"
)

type xmlOmemoKey struct {
	XMLName xml.Name `xml:"key"`
	RID     uint32   `xml:"rid,attr"`
	Kex     string   `xml:"kex,attr,omitempty"`
	PreKey  string   `xml:"prekey,attr,omitempty"`
	Data    string   `xml:",chardata"`
}

type xmlOmemoKeys struct {
	XMLName xml.Name      `xml:"keys"`
	JID     string        `xml:"jid,attr"`
	Keys    []xmlOmemoKey `xml:"key"`
}

type xmlOmemoHeader struct {
	XMLName xml.Name       `xml:"header"`
	SID     uint32         `xml:"sid,attr"`
	Keys    []xmlOmemoKeys `xml:"keys"`
	Flat    []xmlOmemoKey  `xml:"key"`
	IV      string         `xml:"iv,omitempty"`
}

type xmlOmemoElement struct {
	XMLName xml.Name       `xml:"encrypted"`
	Xmlns   string         `xml:"xmlns,attr"`
	Header  xmlOmemoHeader `xml:"header"`
	Payload string         `xml:"payload,omitempty"`
}

// MarshalOmemoElement serializes an OMEMO element for the given
// protocol variant. Omemo2 groups envelopes per recipient JID; the
// legacy revision lists them flat and carries the payload IV in the
// header.
func MarshalOmemoElement(v Variant, el *domain.OmemoElement) ([]byte, error) {
	out := xmlOmemoElement{
		Xmlns:  v.Namespace(),
		Header: xmlOmemoHeader{SID: el.SenderDeviceID},
	}
	if len(el.Payload) > 0 {
		out.Payload = base64.StdEncoding.EncodeToString(el.Payload)
	}

	jids := make([]string, 0, len(el.Envelopes))
	for jid := range el.Envelopes {
		jids = append(jids, jid)
	}
	sort.Strings(jids)

	for _, jid := range jids {
		keys := make([]xmlOmemoKey, 0, len(el.Envelopes[jid]))
		for _, env := range el.Envelopes[jid] {
			k := xmlOmemoKey{
				RID:  env.RecipientDeviceID,
				Data: base64.StdEncoding.EncodeToString(env.Data),
			}
			if env.KeyExchange {
				if v == Legacy {
					k.PreKey = "true"
				} else {
					k.Kex = "true"
				}
			}
			if v == Legacy {
				out.Header.Flat = append(out.Header.Flat, k)
			} else {
				keys = append(keys, k)
			}
		}
		if v != Legacy {
			out.Header.Keys = append(out.Header.Keys, xmlOmemoKeys{JID: jid, Keys: keys})
		}
	}
	if v == Legacy && len(el.IV) > 0 {
		out.Header.IV = base64.StdEncoding.EncodeToString(el.IV)
	}
	return xml.Marshal(out)
}

// UnmarshalOmemoElement parses an <encrypted> element. Envelopes of the
// legacy variant, which has no per-JID grouping, are stored under the
// empty JID.
func UnmarshalOmemoElement(v Variant, data []byte) (*domain.OmemoElement, error) {
	var in xmlOmemoElement
	if err := xml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("wire: parse encrypted element: %w", err)
	}
	if in.Xmlns != "" && in.Xmlns != v.Namespace() {
		return nil, fmt.Errorf("wire: unexpected namespace %q", in.Xmlns)
	}

	el := &domain.OmemoElement{SenderDeviceID: in.Header.SID}
	if in.Payload != "" {
		payload, err := base64.StdEncoding.DecodeString(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("wire: payload: %w", err)
		}
		el.Payload = payload
	}
	if in.Header.IV != "" {
		iv, err := base64.StdEncoding.DecodeString(in.Header.IV)
		if err != nil {
			return nil, fmt.Errorf("wire: iv: %w", err)
		}
		el.IV = iv
	}

	add := func(jid string, k xmlOmemoKey) error {
		data, err := base64.StdEncoding.DecodeString(k.Data)
		if err != nil {
			return fmt.Errorf("wire: key rid=%d: %w", k.RID, err)
		}
		el.AddEnvelope(jid, domain.OmemoEnvelope{
			RecipientDeviceID: k.RID,
			KeyExchange:       k.Kex == "true" || k.PreKey == "true",
			Data:              data,
		})
		return nil
	}
	for _, keys := range in.Header.Keys {
		for _, k := range keys.Keys {
			if err := add(keys.JID, k); err != nil {
				return nil, err
			}
		}
	}
	for _, k := range in.Header.Flat {
		if err := add("", k); err != nil {
			return nil, err
		}
	}
	return el, nil
}
