package bluetooth

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"seelevel/internal/ids"
	"seelevel/internal/tank"
	"seelevel/internal/util"
)

type replayFile struct {
	Snapshots []replaySnapshot `yaml:"snapshots"`
}

type replaySnapshot struct {
	Devices []replayDevice `yaml:"devices"`
}

type replayDevice struct {
	Address      string   `yaml:"address"`
	Name         string   `yaml:"name"`
	RSSI         int      `yaml:"rssi"`
	ServiceUUIDs []string `yaml:"service_uuids"`
	// Keys are company IDs (decimal or 0x hex); values are hex payloads.
	ManufacturerData map[string]string `yaml:"manufacturer_data"`
	// Raw is a full advertisement; its 0xFF elements are used when ManufacturerData is empty.
	Raw string `yaml:"raw"`
}

// FileDiscoverer replays snapshots from a YAML file, one per Discover call.
// After the last snapshot it keeps returning the last one.
type FileDiscoverer struct {
	mu        sync.Mutex
	snapshots [][]tank.DiscoveredDevice
	next      int
}

func NewFileDiscoverer(path string) (*FileDiscoverer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseReplay(b)
}

func parseReplay(b []byte) (*FileDiscoverer, error) {
	var f replayFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("replay file: %w", err)
	}
	fd := &FileDiscoverer{}
	for i, snap := range f.Snapshots {
		devs := make([]tank.DiscoveredDevice, 0, len(snap.Devices))
		for j, rd := range snap.Devices {
			d, err := rd.device()
			if err != nil {
				return nil, fmt.Errorf("replay file: snapshot %d device %d: %w", i, j, err)
			}
			devs = append(devs, d)
		}
		fd.snapshots = append(fd.snapshots, devs)
	}
	return fd, nil
}

// canonicalUUIDs expands short forms the way the configured service uuid is
// expanded, so "ABCD" in a file matches service_uuid "abcd". Unparseable
// entries are kept verbatim.
func canonicalUUIDs(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, u := range in {
		if n, err := ids.NormalizeUUID(u); err == nil {
			u = n
		}
		out = append(out, u)
	}
	return out
}

func (rd replayDevice) device() (tank.DiscoveredDevice, error) {
	d := tank.DiscoveredDevice{
		Address:      util.NormalizeMAC(rd.Address),
		Name:         rd.Name,
		RSSI:         rd.RSSI,
		ServiceUUIDs: canonicalUUIDs(rd.ServiceUUIDs),
	}
	if len(rd.ManufacturerData) > 0 {
		d.ManufacturerData = make(map[uint16][]byte, len(rd.ManufacturerData))
		for k, v := range rd.ManufacturerData {
			id, err := strconv.ParseUint(strings.TrimSpace(k), 0, 16)
			if err != nil {
				return d, fmt.Errorf("company id %q: %w", k, err)
			}
			payload, err := parseHex(v)
			if err != nil {
				return d, fmt.Errorf("company 0x%04X payload: %w", id, err)
			}
			d.ManufacturerData[uint16(id)] = payload
		}
	} else if rd.Raw != "" {
		raw, err := parseHex(rd.Raw)
		if err != nil {
			return d, fmt.Errorf("raw advertisement: %w", err)
		}
		d.ManufacturerData = ManufacturerPayloads(DecodeADStructures(raw))
	}
	return d, nil
}

// parseHex accepts "0a0b", "0a 0b", "0a:0b" and "0a-0b".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "").Replace(strings.TrimSpace(s))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

func (f *FileDiscoverer) Discover(ctx context.Context) ([]tank.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	i := f.next
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	} else {
		f.next++
	}
	return f.snapshots[i], nil
}

func (f *FileDiscoverer) Close() error { return nil }
