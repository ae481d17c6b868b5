package wire

import (
	"encoding/xml"
	"fmt"
)

// DeviceListEntry is one <device> element of a published device list.
type DeviceListEntry struct {
	ID    uint32
	Label string
}

type xmlDevice struct {
	XMLName xml.Name `xml:"device"`
	ID      uint32   `xml:"id,attr"`
	Label   string   `xml:"label,attr,omitempty"`
}

type xmlDeviceList struct {
	XMLName xml.Name    `xml:"devices"`
	Xmlns   string      `xml:"xmlns,attr"`
	Devices []xmlDevice `xml:"device"`
}

// MarshalDeviceList serializes a device list item payload.
func MarshalDeviceList(v Variant, entries []DeviceListEntry) ([]byte, error) {
	out := xmlDeviceList{Xmlns: v.Namespace()}
	for _, e := range entries {
		out.Devices = append(out.Devices, xmlDevice{ID: e.ID, Label: e.Label})
	}
	return xml.Marshal(out)
}

// UnmarshalDeviceList parses a device list item payload.
func UnmarshalDeviceList(v Variant, data []byte) ([]DeviceListEntry, error) {
	var in xmlDeviceList
	if err := xml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("wire: parse device list: %w", err)
	}
	if in.Xmlns != "" && in.Xmlns != v.Namespace() {
		return nil, fmt.Errorf("wire: unexpected device list namespace %q", in.Xmlns)
	}
	entries := make([]DeviceListEntry, 0, len(in.Devices))
	for _, d := range in.Devices {
		entries = append(entries, DeviceListEntry{ID: d.ID, Label: d.Label})
	}
	return entries, nil
}
