// Package wire implements the serialization boundary of the OMEMO core:
// the <encrypted> element, the SCE envelope (XEP-0420), and the device
// list and device bundle PubSub payloads, for both protocol variants.
//
// The element and attribute names and the namespaces are protocol
// constants; changing any of them breaks interoperability.
package wire
