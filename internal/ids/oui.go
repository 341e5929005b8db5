package ids

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
)

// LoadOUI loads vendor names keyed by OUI (6 hex digits, uppercase) from a CSV
// file in IEEE format (Registry, Assignment, Organization Name, ...).
func LoadOUI(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readOUI(f)
}

func readOUI(src io.Reader) (map[string]string, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	// Header.
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	out := make(map[string]string, 1024)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 3 {
			continue
		}
		assignment := strings.ToUpper(strings.TrimSpace(rec[1]))
		assignment = strings.NewReplacer("-", "", ":", "").Replace(assignment)
		if len(assignment) != 6 {
			continue
		}
		org := strings.TrimSpace(rec[2])
		if org == "" {
			continue
		}
		out[assignment] = org
	}
	return out, nil
}
