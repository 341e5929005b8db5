package tank

import (
	"fmt"
	"strings"
)

// ServiceIdentifier is the advertised service UUID the tank transmitter is recognized by.
// Comparison is case-insensitive.
type ServiceIdentifier string

// ParseServiceIdentifier trims s and rejects an empty identifier.
func ParseServiceIdentifier(s string) (ServiceIdentifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: service uuid is required", ErrConfig)
	}
	return ServiceIdentifier(s), nil
}

// Matches reports whether uuid equals the identifier, ignoring case.
func (id ServiceIdentifier) Matches(uuid string) bool {
	return id != "" && strings.EqualFold(string(id), uuid)
}

func (id ServiceIdentifier) String() string {
	return string(id)
}

// DiscoveredDevice is one broadcaster seen during a discovery snapshot.
type DiscoveredDevice struct {
	Address string
	Name    string
	RSSI    int

	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
}

// Advertises reports whether d lists the target service.
func (d DiscoveredDevice) Advertises(target ServiceIdentifier) bool {
	for _, u := range d.ServiceUUIDs {
		if target.Matches(u) {
			return true
		}
	}
	return false
}
