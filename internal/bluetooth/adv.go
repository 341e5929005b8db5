package bluetooth

import (
	"fmt"
	"strconv"
	"strings"

	"seelevel/internal/util"
)

// ADStructure is one length/type/data element of a raw advertisement.
type ADStructure struct {
	Type byte
	Data []byte
	// Text is set for local names and the TX power level.
	Text string
}

func (a ADStructure) Name() string {
	return adTypeName(a.Type)
}

func (a ADStructure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "0x%02X", a.Type)
	if n := a.Name(); n != "" {
		b.WriteString(" " + n)
	}
	b.WriteString(" [" + util.BytesToHex(a.Data) + "]")
	if a.Text != "" {
		b.WriteString(" " + strconv.Quote(a.Text))
	}
	return b.String()
}

// DecodeADStructures walks raw advertisement bytes. It stops at a zero length
// (padding) or at an element that runs past the end of raw.
func DecodeADStructures(raw []byte) []ADStructure {
	var items []ADStructure
	for i := 0; i < len(raw); {
		l := int(raw[i])
		if l == 0 || i+1+l > len(raw) {
			break
		}
		item := ADStructure{
			Type: raw[i+1],
			Data: append([]byte(nil), raw[i+2:i+1+l]...),
		}
		switch {
		case item.Type == 0x08 || item.Type == 0x09:
			item.Text = safeASCII(item.Data)
		case item.Type == 0x0A && len(item.Data) >= 1:
			item.Text = fmt.Sprintf("%+d", int8(item.Data[0]))
		}
		items = append(items, item)
		i += 1 + l
	}
	return items
}

// ManufacturerPayloads collects 0xFF elements keyed by their little-endian company ID.
func ManufacturerPayloads(items []ADStructure) map[uint16][]byte {
	var out map[uint16][]byte
	for _, it := range items {
		if it.Type != 0xFF || len(it.Data) < 2 {
			continue
		}
		if out == nil {
			out = make(map[uint16][]byte)
		}
		out[uint16(it.Data[0])|uint16(it.Data[1])<<8] = append([]byte(nil), it.Data[2:]...)
	}
	return out
}

func adTypeName(t byte) string {
	switch t {
	case 0x01:
		return "Flags"
	case 0x02:
		return "Incomplete List of 16-bit Service Class UUIDs"
	case 0x03:
		return "Complete List of 16-bit Service Class UUIDs"
	case 0x06:
		return "Incomplete List of 128-bit Service Class UUIDs"
	case 0x07:
		return "Complete List of 128-bit Service Class UUIDs"
	case 0x08:
		return "Shortened Local Name"
	case 0x09:
		return "Complete Local Name"
	case 0x0A:
		return "Tx Power Level"
	case 0x16:
		return "Service Data - 16-bit UUID"
	case 0x20:
		return "Service Data - 32-bit UUID"
	case 0x21:
		return "Service Data - 128-bit UUID"
	case 0xFF:
		return "Manufacturer Specific Data"
	default:
		return ""
	}
}

func safeASCII(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return ""
		}
	}
	return string(b)
}
