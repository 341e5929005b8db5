package bluetooth

import (
	"strconv"
	"strings"
)

// classifyAddress names the LE address kind. For random addresses the two most
// significant bits of the first octet select the subtype.
func classifyAddress(mac string, random bool) string {
	if !random {
		return "public_or_unknown"
	}
	first, _, _ := strings.Cut(strings.TrimSpace(mac), ":")
	b, err := strconv.ParseUint(first, 16, 8)
	if err != nil || len(first) != 2 {
		return "random"
	}
	switch b >> 6 {
	case 0:
		return "random/non_resolvable_private"
	case 1:
		return "random/resolvable_private"
	case 2:
		return "random/reserved"
	default:
		return "random/static"
	}
}
