package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"seelevel/internal/sensor"
	"seelevel/internal/tank"
)

const testUUID = "0000abcd-0000-1000-8000-00805f9b34fb"

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s := openTestStore(t, path)

	st, at, err := s.LoadState(ctx, testUUID)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if st.Known() || !at.IsZero() {
		t.Fatalf("LoadState() on empty db = %+v, %v", st, at)
	}

	want := tank.StateFromReading(tank.Reading{Type: tank.SensorGray, Text: "FRS", Volume: 10, Total: 100}, "AA:BB:CC:DD:EE:FF")
	when := time.Date(2026, 3, 1, 12, 30, 0, 0, time.Local)
	if err := s.SaveState(ctx, testUUID, want, when); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	// Overwrite keeps a single row.
	want = tank.StateFromReading(tank.Reading{Type: tank.SensorGray, Text: "FRS", Volume: 12, Total: 100}, "AA:BB:CC:DD:EE:FF")
	if err := s.SaveState(ctx, testUUID, want, when.Add(time.Minute)); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	var rows int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tank_state`).Scan(&rows); err != nil || rows != 1 {
		t.Fatalf("tank_state rows = %d, %v; want 1", rows, err)
	}
	_ = s.Close()

	s = openTestStore(t, path)
	got, at, err := s.LoadState(ctx, "0000ABCD-0000-1000-8000-00805F9B34FB")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("LoadState() = %+v, want %+v", got, want)
	}
	if !at.Equal(when.Add(time.Minute)) {
		t.Errorf("updated_at = %v, want %v", at, when.Add(time.Minute))
	}
}

func TestStore_SaveUnknownStateIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	if err := s.SaveState(ctx, testUUID, tank.State{}, time.Now()); err != nil {
		t.Fatalf("SaveState(unknown) error = %v", err)
	}
	if st, _, _ := s.LoadState(ctx, testUUID); st.Known() {
		t.Errorf("unknown state was stored: %+v", st)
	}
}

func TestStore_PublishJournal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	if _, err := s.CreateSession(ctx, "hci0", "bluez", testUUID); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	committed := tank.StateFromReading(tank.Reading{Type: tank.SensorBlack, Text: "BLK", Volume: 4, Total: 40}, "01:00:00:00:00:01")
	snaps := []sensor.Snapshot{
		{
			ServiceUUID: testUUID,
			State:       committed,
			Outcome:     tank.Outcome{Seen: 3, Matched: 2, Committed: true, Address: "01:00:00:00:00:01", Skipped: []tank.Skip{{Address: "x", Err: tank.ErrPayloadMissing}}},
			At:          time.Now(),
		},
		{
			ServiceUUID: testUUID,
			State:       committed,
			Outcome:     tank.Outcome{Seen: 1},
			At:          time.Now(),
		},
	}
	for _, snap := range snaps {
		if err := s.Publish(ctx, snap); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	cycles, commits, skipped, err := s.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if cycles != 2 || commits != 1 || skipped != 1 {
		t.Errorf("GetStatistics() = %d, %d, %d; want 2, 1, 1", cycles, commits, skipped)
	}

	st, _, err := s.LoadState(ctx, testUUID)
	if err != nil || !st.Equal(committed) {
		t.Errorf("LoadState() = %+v, %v; want %+v", st, err, committed)
	}

	// A new session starts its counters from zero.
	if _, err := s.CreateSession(ctx, "hci0", "bluez", testUUID); err != nil {
		t.Fatal(err)
	}
	if cycles, _, _, _ := s.GetStatistics(ctx); cycles != 0 {
		t.Errorf("GetStatistics() after new session = %d cycles, want 0", cycles)
	}
}
