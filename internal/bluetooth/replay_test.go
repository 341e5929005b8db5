package bluetooth

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"seelevel/internal/config"
	"seelevel/internal/sensor"
	"seelevel/internal/tank"
)

const replayYAML = `
snapshots:
  - devices: []
  - devices:
      - address: aa:bb:cc:dd:ee:01
        rssi: -70
        service_uuids: ["0000abcd-0000-1000-8000-00805f9b34fb"]
        manufacturer_data:
          "0xFFFF": "00 00 00 02 46 52 53 0a 00 00 64 00 00"
  - devices:
      - address: aa:bb:cc:dd:ee:02
        rssi: -50
        service_uuids: ["0000ABCD-0000-1000-8000-00805F9B34FB"]
        raw: "02 01 06 10 ff ff ff 00 00 00 00 42 4c 4b 05 00 00 14 00 00"
`

func TestFileDiscoverer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")
	if err := os.WriteFile(path, []byte(replayYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := NewFileDiscoverer(path)
	if err != nil {
		t.Fatalf("NewFileDiscoverer() error = %v", err)
	}
	ctx := context.Background()

	first, err := fd.Discover(ctx)
	if err != nil || len(first) != 0 {
		t.Fatalf("Discover() #1 = %v, %v; want empty", first, err)
	}

	second, _ := fd.Discover(ctx)
	if len(second) != 1 || second[0].Address != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("Discover() #2 = %+v", second)
	}
	p, err := tank.PayloadFor(second[0], tank.DefaultManufacturerID)
	if err != nil {
		t.Fatalf("PayloadFor() error = %v", err)
	}
	r, err := tank.Decode(p)
	if err != nil || r.Volume != 10 || r.Text != "FRS" {
		t.Errorf("Decode() = %+v, %v", r, err)
	}

	third, _ := fd.Discover(ctx)
	r, err = tank.Decode(third[0].ManufacturerData[tank.DefaultManufacturerID])
	if err != nil || r.Type != tank.SensorFresh || r.Text != "BLK" || r.Volume != 5 || r.Total != 20 {
		t.Errorf("raw device Decode() = %+v, %v", r, err)
	}

	// Past the end the last snapshot repeats.
	again, _ := fd.Discover(ctx)
	if len(again) != 1 || again[0].Address != third[0].Address {
		t.Errorf("Discover() past end = %+v", again)
	}
}

func TestParseReplay_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "bad company", doc: "snapshots:\n  - devices:\n      - address: a\n        manufacturer_data: {\"zz\": \"00\"}\n"},
		{name: "bad hex", doc: "snapshots:\n  - devices:\n      - address: a\n        manufacturer_data: {\"0xFFFF\": \"0g\"}\n"},
		{name: "bad yaml", doc: "snapshots: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseReplay([]byte(tt.doc)); err == nil {
				t.Errorf("parseReplay() error = nil")
			}
		})
	}
}

func TestFileDiscoverer_Cancelled(t *testing.T) {
	fd, err := parseReplay([]byte("snapshots: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fd.Discover(ctx); err == nil {
		t.Errorf("Discover() on cancelled ctx error = nil")
	}
}

const shortFormYAML = `
snapshots:
  - devices:
      - address: aa:bb:cc:dd:ee:03
        service_uuids: ["ABCD", "not-a-uuid"]
        manufacturer_data:
          "0xFFFF": "00 00 00 01 42 4c 4b 07 00 00 28 00 00"
`

func TestFileDiscoverer_ShortFormServiceUUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.yaml")
	if err := os.WriteFile(path, []byte(shortFormYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse("seelevel", []string{
		"-service-uuid", "abcd",
		"-backend", "file",
		"-devices-file", path,
	}, io.Discard)
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}

	fd, err := NewFileDiscoverer(cfg.Discovery.File)
	if err != nil {
		t.Fatalf("NewFileDiscoverer() error = %v", err)
	}
	s, err := sensor.New(sensor.Config{ServiceUUID: cfg.ServiceUUID, ManufacturerID: uint16(cfg.ManufacturerID)}, fd,
		sensor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("sensor.New() error = %v", err)
	}
	if err := s.Update(context.Background()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if v, ok := s.Value(); !ok || v != 7 {
		t.Errorf("Value() = %d, %v; device advertising ABCD should match service_uuid abcd", v, ok)
	}
}

func TestCanonicalUUIDs(t *testing.T) {
	got := canonicalUUIDs([]string{"ABCD", "0x180F", "not-a-uuid"})
	want := []string{
		"0000abcd-0000-1000-8000-00805f9b34fb",
		"0000180f-0000-1000-8000-00805f9b34fb",
		"not-a-uuid",
	}
	if len(got) != len(want) {
		t.Fatalf("canonicalUUIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("canonicalUUIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if canonicalUUIDs(nil) != nil {
		t.Errorf("canonicalUUIDs(nil) != nil")
	}
}
