package wire

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sort"

	"omemo/internal/domain"
)

type xmlBundlePreKey struct {
	XMLName xml.Name `xml:"pk"`
	ID      uint32   `xml:"id,attr"`
	Data    string   `xml:",chardata"`
}

type xmlBundleSpk struct {
	XMLName xml.Name `xml:"spk"`
	ID      uint32   `xml:"id,attr"`
	Data    string   `xml:",chardata"`
}

type xmlBundle struct {
	XMLName xml.Name          `xml:"bundle"`
	Xmlns   string            `xml:"xmlns,attr"`
	Spk     xmlBundleSpk      `xml:"spk"`
	Spks    string            `xml:"spks"`
	Ik      string            `xml:"ik"`
	PreKeys []xmlBundlePreKey `xml:"prekeys>pk"`
}

// MarshalDeviceBundle serializes a device bundle item payload.
func MarshalDeviceBundle(v Variant, b *domain.DeviceBundle) ([]byte, error) {
	out := xmlBundle{
		Xmlns: v.Namespace(),
		Spk: xmlBundleSpk{
			ID:   b.SignedPreKeyID,
			Data: base64.StdEncoding.EncodeToString(b.SignedPreKey.Slice()),
		},
		Spks: base64.StdEncoding.EncodeToString(b.SignedPreKeySignature),
		Ik:   base64.StdEncoding.EncodeToString(b.IdentityKey.Bytes()),
	}
	ids := make([]uint32, 0, len(b.PreKeys))
	for id := range b.PreKeys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pk := b.PreKeys[id]
		out.PreKeys = append(out.PreKeys, xmlBundlePreKey{
			ID:   id,
			Data: base64.StdEncoding.EncodeToString(pk.Slice()),
		})
	}
	return xml.Marshal(out)
}

// UnmarshalDeviceBundle parses a device bundle item payload.
func UnmarshalDeviceBundle(v Variant, data []byte) (*domain.DeviceBundle, error) {
	var in xmlBundle
	if err := xml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("wire: parse device bundle: %w", err)
	}
	if in.Xmlns != "" && in.Xmlns != v.Namespace() {
		return nil, fmt.Errorf("wire: unexpected bundle namespace %q", in.Xmlns)
	}

	ikRaw, err := base64.StdEncoding.DecodeString(in.Ik)
	if err != nil {
		return nil, fmt.Errorf("wire: bundle ik: %w", err)
	}
	ik, ok := domain.ParsePublicIdentityKey(ikRaw)
	if !ok {
		return nil, fmt.Errorf("wire: bundle ik has invalid length %d", len(ikRaw))
	}
	spkRaw, err := base64.StdEncoding.DecodeString(in.Spk.Data)
	if err != nil {
		return nil, fmt.Errorf("wire: bundle spk: %w", err)
	}
	if len(spkRaw) != 32 {
		return nil, fmt.Errorf("wire: bundle spk has invalid length %d", len(spkRaw))
	}
	sig, err := base64.StdEncoding.DecodeString(in.Spks)
	if err != nil {
		return nil, fmt.Errorf("wire: bundle spks: %w", err)
	}

	b := &domain.DeviceBundle{
		IdentityKey:           ik,
		SignedPreKeyID:        in.Spk.ID,
		SignedPreKeySignature: sig,
		PreKeys:               make(map[uint32]domain.X25519Public, len(in.PreKeys)),
	}
	copy(b.SignedPreKey[:], spkRaw)
	for _, pk := range in.PreKeys {
		raw, err := base64.StdEncoding.DecodeString(pk.Data)
		if err != nil {
			return nil, fmt.Errorf("wire: bundle pk id=%d: %w", pk.ID, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("wire: bundle pk id=%d has invalid length %d", pk.ID, len(raw))
		}
		var pub domain.X25519Public
		copy(pub[:], raw)
		b.PreKeys[pk.ID] = pub
	}
	return b, nil
}
