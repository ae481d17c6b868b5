package wire

import (
	"fmt"
	"strconv"
)

// Variant selects one of the two OMEMO protocol revisions. All
// namespace strings, node names, element attributes and payload cipher
// parameters derive from it; the two sets must never be mixed.
type Variant int

const (
	// Omemo2 is urn:xmpp:omemo:2 (XEP-0384 since version 0.4).
	Omemo2 Variant = iota
	// Legacy is the original eu.siacs.conversations.axolotl revision.
	Legacy
)

const (
	nsOmemo2        = "urn:xmpp:omemo:2"
	nsOmemo2Devices = "urn:xmpp:omemo:2:devices"
	nsOmemo2Bundles = "urn:xmpp:omemo:2:bundles"

	nsLegacy        = "eu.siacs.conversations.axolotl"
	nsLegacyDevices = "eu.siacs.conversations.axolotl.devicelist"
	nsLegacyBundles = "eu.siacs.conversations.axolotl.bundles"
)

// itemCurrent is the singleton item ID used by nodes that hold exactly
// one logical item.
const itemCurrent = "current"

// ParseVariant maps a configuration string to a protocol variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "omemo2", "2":
		return Omemo2, nil
	case "legacy", "axolotl":
		return Legacy, nil
	}
	return Omemo2, fmt.Errorf("wire: unknown protocol variant %q", s)
}

// Namespace returns the protocol namespace of the variant.
func (v Variant) Namespace() string {
	if v == Legacy {
		return nsLegacy
	}
	return nsOmemo2
}

// DeviceListNode returns the PubSub node the device list is published
// to.
func (v Variant) DeviceListNode() string {
	if v == Legacy {
		return nsLegacyDevices
	}
	return nsOmemo2Devices
}

// DeviceListItemID returns the item ID of the device list item.
func (v Variant) DeviceListItemID() string { return itemCurrent }

// BundleNode returns the node a given device's bundle lives on. Omemo2
// keeps all bundles on one node; the legacy variant uses one node per
// device.
func (v Variant) BundleNode(deviceID uint32) string {
	if v == Legacy {
		return nsLegacyBundles + ":" + strconv.FormatUint(uint64(deviceID), 10)
	}
	return nsOmemo2Bundles
}

// BundlesNode returns the shared bundle node of the Omemo2 variant; for
// the legacy variant it returns the per-device node prefix.
func (v Variant) BundlesNode() string {
	if v == Legacy {
		return nsLegacyBundles
	}
	return nsOmemo2Bundles
}

// BundleItemID returns the item ID of a device's bundle item.
func (v Variant) BundleItemID(deviceID uint32) string {
	if v == Legacy {
		return itemCurrent
	}
	return strconv.FormatUint(uint64(deviceID), 10)
}

// KeyExchangeAttr returns the attribute marking a key-exchange
// envelope: "kex" for Omemo2, "prekey" for the legacy revision.
func (v Variant) KeyExchangeAttr() string {
	if v == Legacy {
		return "prekey"
	}
	return "kex"
}
