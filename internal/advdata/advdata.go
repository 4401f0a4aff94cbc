// Package advdata decodes raw advertising data structures into the
// per-type report entries exposed by the scan response. Decoding is
// best-effort: a fragment that cannot be interpreted is still emitted
// with its raw hex value, never an error, so a single malformed
// advertiser cannot abort a scan pass.
package advdata

import (
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"
)

// Field is one raw (type, value) advertising data structure as produced
// by the radio for a single advertising address.
type Field struct {
	Type  byte
	Value []byte
}

// Entry is the decoded form of one advertising data type.
type Entry struct {
	Value       string `json:"adtype-value"`
	Description string `json:"description"`
}

// AD type codes, per the Bluetooth Generic Access Profile assigned
// numbers. Only the codes the parser treats specially are named.
const (
	TypeFlags            byte = 0x01
	TypeShortLocalName   byte = 0x08
	TypeLocalName        byte = 0x09
	TypeTxPower          byte = 0x0A
	TypeManufacturerData byte = 0xFF
)

// descriptions maps AD type codes to the human-readable names used in
// scan reports.
var descriptions = map[byte]string{
	TypeFlags:            "Flags",
	0x02:                 "Incomplete 16b Services",
	0x03:                 "Complete 16b Services",
	0x04:                 "Incomplete 32b Services",
	0x05:                 "Complete 32b Services",
	0x06:                 "Incomplete 128b Services",
	0x07:                 "Complete 128b Services",
	TypeShortLocalName:   "Short Local Name",
	TypeLocalName:        "Complete Local Name",
	TypeTxPower:          "Tx Power",
	0x12:                 "Peripheral Connection Interval Range",
	0x14:                 "16b Service Solicitation",
	0x15:                 "128b Service Solicitation",
	0x16:                 "16b Service Data",
	0x17:                 "Public Target Address",
	0x18:                 "Random Target Address",
	0x19:                 "Appearance",
	0x1A:                 "Advertising Interval",
	0x20:                 "32b Service Data",
	0x21:                 "128b Service Data",
	TypeManufacturerData: "Manufacturer",
}

// textTypes are AD types known to carry a textual payload. They are
// rendered as decoded text when valid, hex otherwise.
var textTypes = map[byte]bool{
	TypeShortLocalName:   true,
	TypeLocalName:        true,
	TypeManufacturerData: true,
}

// Parse decodes an ordered sequence of raw advertising fields into the
// report mapping, keyed by the decimal form of the type code. Later
// duplicates of a type code are ignored; the first occurrence wins.
func Parse(fields []Field) map[string]Entry {
	out := make(map[string]Entry, len(fields))
	for _, f := range fields {
		key := strconv.Itoa(int(f.Type))
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = decode(f)
	}
	return out
}

// Merge folds newly observed fields into an existing report mapping,
// keeping the first-seen entry per type code. Returns dst for chaining.
func Merge(dst map[string]Entry, fields []Field) map[string]Entry {
	for _, f := range fields {
		key := strconv.Itoa(int(f.Type))
		if _, seen := dst[key]; seen {
			continue
		}
		dst[key] = decode(f)
	}
	return dst
}

func decode(f Field) Entry {
	desc, known := descriptions[f.Type]
	switch {
	case f.Type == 0:
		// Type code zero never appears in a well-formed structure; the
		// fragment is carried through raw rather than dropped.
		return Entry{Value: hexValue(f.Value), Description: "Unparsed"}
	case !known:
		return Entry{Value: hexValue(f.Value), Description: "Unknown"}
	case textTypes[f.Type]:
		if s, ok := printableText(f.Value); ok {
			return Entry{Value: s, Description: desc}
		}
		return Entry{Value: hexValue(f.Value), Description: desc}
	default:
		return Entry{Value: hexValue(f.Value), Description: desc}
	}
}

// hexValue renders bytes as continuous uppercase hex.
func hexValue(b []byte) string {
	return fmt.Sprintf("%X", b)
}

// printableText reports the payload as text when it is valid UTF-8 made
// of printable runes. Manufacturer data frequently embeds a product
// string; anything else falls back to hex.
func printableText(b []byte) (string, bool) {
	if len(b) == 0 || !utf8.Valid(b) {
		return "", false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return "", false
		}
	}
	return string(b), true
}
