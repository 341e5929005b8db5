package ids

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

type uuidFile struct {
	UUIDs []uuidEntry `yaml:"uuids"`
}

type uuidEntry struct {
	UUID any    `yaml:"uuid"`
	Name string `yaml:"name"`
}

// LoadUUIDYaml loads UUID -> Name mapping from a Bluetooth SIG service_uuids.yaml.
// Keys are returned as canonical 128-bit lower-case UUID strings.
func LoadUUIDYaml(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f uuidFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(f.UUIDs))
	for _, e := range f.UUIDs {
		uuidStr := normalizeUUIDValue(e.UUID)
		name := strings.TrimSpace(e.Name)
		if uuidStr == "" || name == "" {
			continue
		}
		uuid128, err := NormalizeUUID(uuidStr)
		if err != nil {
			continue
		}
		out[uuid128] = name
	}

	return out, nil
}

func normalizeUUIDValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case int:
		return fmt.Sprintf("0x%X", t)
	case int64:
		return fmt.Sprintf("0x%X", t)
	case uint64:
		return fmt.Sprintf("0x%X", t)
	default:
		return ""
	}
}

// NormalizeUUID converts 16/32-bit short forms ("0x181A", "181a", "0000181a")
// and 128-bit UUIDs to the canonical lower-case 128-bit string BlueZ reports.
func NormalizeUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", ErrBadUUID
	}

	// YAML often uses 0x1800 or 0x2A00.
	if strings.HasPrefix(s, "0x") {
		hexStr := strings.TrimSpace(strings.TrimPrefix(s, "0x"))
		if hexStr == "" || len(hexStr) > 8 {
			return "", ErrBadUUID
		}
		v, err := strconv.ParseUint(hexStr, 16, 32)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBadUUID, s)
		}
		if len(hexStr) <= 4 {
			return fmt.Sprintf("0000%04x%s", v, baseUUIDSuffix), nil
		}
		return fmt.Sprintf("%08x%s", v, baseUUIDSuffix), nil
	}

	// Raw 16/32-bit without hyphens.
	if len(s) == 4 || len(s) == 8 {
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBadUUID, s)
		}
		if len(s) == 4 {
			return fmt.Sprintf("0000%04x%s", v, baseUUIDSuffix), nil
		}
		return fmt.Sprintf("%08x%s", v, baseUUIDSuffix), nil
	}

	// Already 128-bit: 8-4-4-4-12 hex groups.
	groups := strings.Split(s, "-")
	if len(groups) != 5 {
		return "", ErrBadUUID
	}
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(groups[i]) != want {
			return "", ErrBadUUID
		}
		if _, err := strconv.ParseUint(groups[i], 16, 64); err != nil {
			return "", fmt.Errorf("%w: %s", ErrBadUUID, s)
		}
	}
	return s, nil
}
