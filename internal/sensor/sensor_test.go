package sensor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"seelevel/internal/tank"
	"seelevel/internal/util"
)

const testUUID = "0000abcd-0000-1000-8000-00805f9b34fb"

func init() {
	util.SetConsole(io.Discard, true)
}

type scriptedDiscoverer struct {
	mu    sync.Mutex
	steps [][]tank.DiscoveredDevice
	errs  []error
	calls int
}

func (d *scriptedDiscoverer) Discover(ctx context.Context) ([]tank.DiscoveredDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.steps) {
		return d.steps[i], nil
	}
	return nil, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *recordingPublisher) Publish(ctx context.Context, s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func tankAt(addr string, r tank.Reading) tank.DiscoveredDevice {
	return tank.DiscoveredDevice{
		Address:          addr,
		ServiceUUIDs:     []string{testUUID},
		ManufacturerData: map[uint16][]byte{tank.DefaultManufacturerID: r.Encode()},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSensor(t *testing.T, d Discoverer, opts ...Option) *Sensor {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := New(Config{ServiceUUID: testUUID, ManufacturerID: tank.DefaultManufacturerID}, d, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	d := &scriptedDiscoverer{}
	if _, err := New(Config{ServiceUUID: "  "}, d); !errors.Is(err, tank.ErrConfig) {
		t.Errorf("New(blank uuid) error = %v, want ErrConfig", err)
	}
	if _, err := New(Config{ServiceUUID: testUUID}, nil); !errors.Is(err, tank.ErrConfig) {
		t.Errorf("New(nil discoverer) error = %v, want ErrConfig", err)
	}

	s := newTestSensor(t, d)
	if s.Name() != "SeeLevel BLE Service UUID "+testUUID {
		t.Errorf("Name() = %q", s.Name())
	}
	if s.Unit() != "gal" {
		t.Errorf("Unit() = %q, want gal", s.Unit())
	}
	if _, ok := s.Value(); ok {
		t.Errorf("Value() known before any cycle")
	}
	if len(s.Attributes()) != 0 {
		t.Errorf("Attributes() = %v, want empty", s.Attributes())
	}

	named, err := New(Config{ServiceUUID: testUUID, Name: "Galley tank"}, d)
	if err != nil || named.Name() != "Galley tank" {
		t.Fatalf("New(named) = %v, %v", named, err)
	}
	if named.ServiceUUID() != testUUID {
		t.Errorf("ServiceUUID() = %q, want %q", named.ServiceUUID(), testUUID)
	}
	if named.ManufacturerID() != tank.DefaultManufacturerID {
		t.Errorf("ManufacturerID() = 0x%04X, want 0x%04X", named.ManufacturerID(), tank.DefaultManufacturerID)
	}

	custom, err := New(Config{ServiceUUID: testUUID, ManufacturerID: 0x0131}, d)
	if err != nil || custom.ManufacturerID() != 0x0131 {
		t.Errorf("New(0x0131) ManufacturerID() = %v, %v", custom, err)
	}
}

func TestUpdate_StampsClockTime(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	d := &scriptedDiscoverer{steps: [][]tank.DiscoveredDevice{
		{tankAt("AA:00:00:00:00:01", tank.Reading{Type: tank.SensorFresh, Text: "FRS", Volume: 3, Total: 40})},
	}}
	pub := &recordingPublisher{}
	s := newTestSensor(t, d, WithPublisher(pub), WithClock(func() time.Time { return at }))

	if err := s.Update(context.Background()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if pub.count() != 1 || !pub.snaps[0].At.Equal(at) {
		t.Fatalf("snapshots = %+v, want one stamped %v", pub.snaps, at)
	}
	st := s.Stats()
	if !st.LastCycle.Equal(at) || !st.LastCommit.Equal(at) {
		t.Errorf("Stats() = %+v, want LastCycle and LastCommit at %v", st, at)
	}
}

func TestUpdate_CommitsAndRetains(t *testing.T) {
	d := &scriptedDiscoverer{steps: [][]tank.DiscoveredDevice{
		{tankAt("AA:00:00:00:00:01", tank.Reading{Type: tank.SensorGray, Text: "FRS", Volume: 10, Total: 100})},
		nil,
		{{Address: "BB:00:00:00:00:02", ServiceUUIDs: []string{"180f"}}},
		{tankAt("AA:00:00:00:00:01", tank.Reading{Type: tank.SensorGray, Text: "FRS", Volume: 12, Total: 100})},
	}}
	pub := &recordingPublisher{}
	s := newTestSensor(t, d, WithPublisher(pub))
	ctx := context.Background()

	wantVolumes := []uint32{10, 10, 10, 12}
	for i, want := range wantVolumes {
		if err := s.Update(ctx); err != nil {
			t.Fatalf("Update() #%d error = %v", i, err)
		}
		got, ok := s.Value()
		if !ok || got != want {
			t.Errorf("after cycle %d Value() = %d, %v; want %d", i, got, ok, want)
		}
	}

	attrs := s.Attributes()
	if attrs["sensor_type"] != "Gray" || attrs["sensor_data_ascii"] != "FRS" || attrs["sensor_total"] != uint32(100) {
		t.Errorf("Attributes() = %v", attrs)
	}

	st := s.Stats()
	if st.Cycles != 4 || st.Commits != 2 || st.Failures != 0 {
		t.Errorf("Stats() = %+v, want 4 cycles, 2 commits", st)
	}
	if pub.count() != 4 {
		t.Errorf("published %d snapshots, want 4", pub.count())
	}
	if last := pub.snaps[3]; !last.Outcome.Committed || last.Unit != "gal" || last.ServiceUUID != testUUID {
		t.Errorf("last snapshot = %+v", last)
	}
}

func TestUpdate_NoPublishUntilKnown(t *testing.T) {
	d := &scriptedDiscoverer{}
	pub := &recordingPublisher{}
	s := newTestSensor(t, d, WithPublisher(pub))

	for i := 0; i < 3; i++ {
		if err := s.Update(context.Background()); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	if pub.count() != 0 {
		t.Errorf("published %d snapshots with unknown state", pub.count())
	}
}

func TestUpdate_DiscoverErrorKeepsState(t *testing.T) {
	boom := errors.New("adapter gone")
	d := &scriptedDiscoverer{
		steps: [][]tank.DiscoveredDevice{
			{tankAt("AA:00:00:00:00:01", tank.Reading{Type: tank.SensorFresh, Text: "FRS", Volume: 3, Total: 9})},
		},
		errs: []error{nil, boom},
	}
	s := newTestSensor(t, d)

	if err := s.Update(context.Background()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	before := s.State()

	if err := s.Update(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}
	if !s.State().Equal(before) {
		t.Errorf("state changed after failed discovery")
	}
	if st := s.Stats(); st.Failures != 1 || st.Cycles != 1 {
		t.Errorf("Stats() = %+v, want 1 cycle 1 failure", st)
	}
}

func TestUpdate_InitialState(t *testing.T) {
	seed := tank.StateFromReading(tank.Reading{Type: tank.SensorLPG, Text: "LPG", Volume: 40, Total: 80}, "CC:00:00:00:00:03")
	s := newTestSensor(t, &scriptedDiscoverer{}, WithInitialState(seed))

	if err := s.Update(context.Background()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if v, ok := s.Value(); !ok || v != 40 {
		t.Errorf("Value() = %d, %v; want restored 40", v, ok)
	}
}

func TestUpdate_CancelledContext(t *testing.T) {
	d := &scriptedDiscoverer{}
	s := newTestSensor(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Update(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Update() error = %v, want context.Canceled", err)
	}
	if d.calls != 0 {
		t.Errorf("discoverer called %d times after cancel", d.calls)
	}
}

type blockingDiscoverer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDiscoverer) Discover(ctx context.Context) ([]tank.DiscoveredDevice, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestUpdate_NotReentrant(t *testing.T) {
	b := &blockingDiscoverer{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestSensor(t, b)

	done := make(chan error, 1)
	go func() { done <- s.Update(context.Background()) }()
	<-b.entered

	if err := s.Update(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("overlapping Update() error = %v, want ErrCycleInProgress", err)
	}

	close(b.release)
	if err := <-done; err != nil {
		t.Errorf("first Update() error = %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	d := &scriptedDiscoverer{steps: [][]tank.DiscoveredDevice{
		{tankAt("AA:00:00:00:00:01", tank.Reading{Type: tank.SensorBlack, Text: "BLK", Volume: 1, Total: 2})},
	}}
	s := newTestSensor(t, d)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Cycles == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if v, ok := s.Value(); !ok || v != 1 {
		t.Errorf("Value() = %d, %v; want first cycle to run immediately", v, ok)
	}
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(ctx context.Context, s Snapshot) error { return p.err }

func TestUpdate_PublishErrorLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantWarn bool
	}{
		{name: "offline", err: fmt.Errorf("broker down: %w", ErrPublisherOffline), wantWarn: false},
		{name: "other failure", err: errors.New("payload rejected"), wantWarn: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &scriptedDiscoverer{steps: [][]tank.DiscoveredDevice{
				{tankAt("AA:00:00:00:00:01", tank.Reading{Type: tank.SensorGray, Text: "GRY", Volume: 1, Total: 2})},
			}}
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			s := newTestSensor(t, d, WithLogger(logger), WithPublisher(failingPublisher{err: tt.err}))

			if err := s.Update(context.Background()); err != nil {
				t.Fatalf("Update() error = %v, publisher errors must not escape", err)
			}
			gotWarn := bytes.Contains(buf.Bytes(), []byte("level=WARN"))
			if gotWarn != tt.wantWarn {
				t.Errorf("warn logged = %v, want %v; log:\n%s", gotWarn, tt.wantWarn, buf.String())
			}
			if !bytes.Contains(buf.Bytes(), []byte("payload rejected")) && !bytes.Contains(buf.Bytes(), []byte("broker down")) {
				t.Errorf("publisher error not logged at all:\n%s", buf.String())
			}
		})
	}
}
