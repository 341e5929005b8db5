package util

import (
	"regexp"
	"strings"
)

var (
	macRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)
)

func IsMACAddress(s string) bool {
	return macRe.MatchString(strings.TrimSpace(s))
}

// NormalizeMAC upper-cases and trims an address so map keys and log lines agree.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

func BytesToHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*3-1)
	for i, v := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexdigits[v>>4], hexdigits[v&0x0f])
	}
	return string(out)
}

// SafeName returns a printable device name. BlueZ falls back to the address
// when a device has no name; that is reported as "Unknown" too.
func SafeName(localName string) string {
	name := strings.TrimSpace(localName)
	if name == "" {
		return "Unknown"
	}
	if IsMACAddress(name) || IsMACAddress(strings.ReplaceAll(name, "-", ":")) {
		return "Unknown"
	}
	return name
}
