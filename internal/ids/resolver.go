package ids

import (
	"strings"
)

// Resolver provides name lookups for identifiers seen while scanning.
//
// - Vendor names are resolved by MAC OUI (from oui.csv).
// - Service UUID names are resolved from service_uuids.yaml.
//
// UUID keys are stored in canonical 128-bit, lower-case form. A nil *Resolver is
// valid and resolves nothing.
type Resolver struct {
	vendors          map[string]string
	serviceUUIDNames map[string]string
}

func (r *Resolver) VendorForMAC(mac string) string {
	if r == nil || len(r.vendors) == 0 {
		return ""
	}
	oui := macToOUI(mac)
	if oui == "" {
		return ""
	}
	return r.vendors[oui]
}

// ServiceName accepts any form NormalizeUUID understands.
func (r *Resolver) ServiceName(uuid string) string {
	if r == nil || len(r.serviceUUIDNames) == 0 {
		return ""
	}
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return ""
	}
	return r.serviceUUIDNames[u]
}

func (r *Resolver) AnnotateServiceUUID(uuid string) string {
	name := r.ServiceName(uuid)
	if name == "" {
		return uuid
	}
	return uuid + " (" + name + ")"
}

func macToOUI(mac string) string {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return ""
	}
	// Expected formats: AA:BB:CC:DD:EE:FF or AA-BB-CC-DD-EE-FF
	parts := strings.FieldsFunc(mac, func(r rune) bool {
		return r == ':' || r == '-'
	})
	if len(parts) < 3 {
		return ""
	}
	oui := strings.ToUpper(parts[0] + parts[1] + parts[2])
	if len(oui) != 6 {
		return ""
	}
	return oui
}
