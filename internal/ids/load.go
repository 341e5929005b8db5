package ids

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type LoadConfig struct {
	// DataDir is the root directory that contains default/ and custom/ subfolders.
	// Example:
	//   data/default/oui.csv
	//   data/custom/service_uuids.yaml
	DataDir string

	// CustomDir optionally overrides the custom directory path. When empty, it is
	// assumed to be <DataDir>/custom.
	CustomDir string
}

// Load builds a Resolver from the default files overlaid with the custom ones.
// Missing files are skipped; (nil, nil) means nothing was found.
func Load(cfg LoadConfig) (*Resolver, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	defaultDir := filepath.Join(cfg.DataDir, "default")
	customDir := cfg.CustomDir
	if customDir == "" {
		customDir = filepath.Join(cfg.DataDir, "custom")
	}

	res := &Resolver{
		vendors:          map[string]string{},
		serviceUUIDNames: map[string]string{},
	}

	for _, dir := range []string{defaultDir, customDir} {
		if err := loadOUIInto(res.vendors, filepath.Join(dir, "oui.csv")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", filepath.Join(dir, "oui.csv"), err)
		}
		if err := loadUUIDYamlInto(res.serviceUUIDNames, filepath.Join(dir, "service_uuids.yaml")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", filepath.Join(dir, "service_uuids.yaml"), err)
		}
	}

	// Validate directories existence only when user explicitly provided them.
	if cfg.CustomDir != "" {
		if _, err := os.Stat(cfg.CustomDir); err != nil {
			return nil, fmt.Errorf("custom-data-dir not accessible: %w", err)
		}
	}

	if len(res.vendors) == 0 && len(res.serviceUUIDNames) == 0 {
		return nil, nil
	}
	return res, nil
}

func loadOUIInto(dst map[string]string, path string) error {
	items, err := LoadOUI(path)
	if err != nil {
		return err
	}
	for k, v := range items {
		dst[k] = v
	}
	return nil
}

func loadUUIDYamlInto(dst map[string]string, path string) error {
	items, err := LoadUUIDYaml(path)
	if err != nil {
		return err
	}
	for k, v := range items {
		if k == "" || v == "" {
			continue
		}
		dst[k] = v
	}
	return nil
}

var ErrBadUUID = errors.New("bad uuid")
