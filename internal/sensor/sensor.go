package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"seelevel/internal/tank"
	"seelevel/internal/util"
)

const (
	// Unit is the only measurement unit the transmitter reports.
	Unit = "gal"

	DefaultInterval = 5 * time.Second
)

var ErrCycleInProgress = errors.New("discovery cycle already in progress")

// ErrPublisherOffline is wrapped by publishers whose transport is down and
// reconnecting on its own. Such failures are logged at debug level.
var ErrPublisherOffline = errors.New("publisher offline")

// Discoverer returns the broadcasters visible right now, in the order the
// backend saw them. It may block until ctx is done.
type Discoverer interface {
	Discover(ctx context.Context) ([]tank.DiscoveredDevice, error)
}

// Publisher receives the sensor state after every completed cycle that has a
// known reading.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Snapshot is what a publisher sees for one cycle.
type Snapshot struct {
	Name        string
	Unit        string
	ServiceUUID tank.ServiceIdentifier
	State       tank.State
	Outcome     tank.Outcome
	At          time.Time
}

type Config struct {
	ServiceUUID    string
	ManufacturerID uint16
	Name           string
}

// Stats are cumulative cycle counters.
type Stats struct {
	Cycles     uint64
	Commits    uint64
	Failures   uint64
	LastCycle  time.Time
	LastCommit time.Time
}

type Option func(*Sensor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sensor) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Sensor) {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
}

// WithInitialState seeds the sensor, e.g. with a state restored from disk.
func WithInitialState(st tank.State) Option {
	return func(s *Sensor) { s.state = st }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sensor) {
		if now != nil {
			s.now = now
		}
	}
}

// Sensor is the polled tank-volume entity. It owns the single-slot state and
// commits whatever tank.Reconcile returns.
type Sensor struct {
	name           string
	target         tank.ServiceIdentifier
	manufacturerID uint16
	discoverer     Discoverer
	publishers     []Publisher
	logger         *slog.Logger
	now            func() time.Time

	// cycleMu serializes Update; overlapping triggers are dropped.
	cycleMu sync.Mutex

	mu    sync.RWMutex
	state tank.State
	stats Stats
}

func New(cfg Config, d Discoverer, opts ...Option) (*Sensor, error) {
	target, err := tank.ParseServiceIdentifier(cfg.ServiceUUID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: no discoverer", tank.ErrConfig)
	}
	s := &Sensor{
		name:           cfg.Name,
		target:         target,
		manufacturerID: cfg.ManufacturerID,
		discoverer:     d,
		logger:         slog.Default(),
		now:            time.Now,
	}
	if s.name == "" {
		s.name = "SeeLevel BLE Service UUID " + string(target)
	}
	if s.manufacturerID == 0 {
		s.manufacturerID = tank.DefaultManufacturerID
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("sensor", s.name)
	return s, nil
}

func (s *Sensor) Name() string                        { return s.name }
func (s *Sensor) Unit() string                        { return Unit }
func (s *Sensor) ServiceUUID() tank.ServiceIdentifier { return s.target }
func (s *Sensor) ManufacturerID() uint16              { return s.manufacturerID }

func (s *Sensor) State() tank.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Value returns the last known volume in gallons.
func (s *Sensor) Value() (uint32, bool) {
	st := s.State()
	if st.Volume == nil {
		return 0, false
	}
	return *st.Volume, true
}

func (s *Sensor) Attributes() map[string]any {
	return s.State().AttributeMap()
}

func (s *Sensor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Update runs one discovery cycle. The state is left untouched when discovery
// fails or ctx ends before a snapshot is available.
func (s *Sensor) Update(ctx context.Context) error {
	if !s.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	devices, err := s.discoverer.Discover(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		return fmt.Errorf("discover: %w", err)
	}

	current := s.State()
	next, out := tank.Reconcile(devices, s.target, s.manufacturerID, current)
	at := s.now()

	s.mu.Lock()
	s.state = next
	s.stats.Cycles++
	s.stats.LastCycle = at
	if out.Committed {
		s.stats.Commits++
		s.stats.LastCommit = at
	}
	s.mu.Unlock()

	s.logOutcome(current, next, out)

	if next.Known() {
		s.publish(ctx, Snapshot{
			Name:        s.name,
			Unit:        Unit,
			ServiceUUID: s.target,
			State:       next,
			Outcome:     out,
			At:          at,
		})
	}
	return nil
}

// Run triggers a cycle immediately and then every interval until ctx is done.
func (s *Sensor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.logger.Info("sensor polling started", "service_uuid", string(s.target), "manufacturer_id", fmt.Sprintf("0x%04X", s.manufacturerID), "interval", interval)

	s.runCycle(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sensor) runCycle(ctx context.Context) {
	err := s.Update(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Debug("cycle skipped", "reason", err)
	case ctx.Err() != nil:
	default:
		s.logger.Warn("cycle failed", "error", err)
		util.Linef("[ERROR]", util.ColorYellow, "scan failed: %v", err)
	}
}

func (s *Sensor) logOutcome(prev, next tank.State, out tank.Outcome) {
	for _, sk := range out.Skipped {
		s.logger.Debug("matching device skipped", "addr", sk.Address, "error", sk.Err)
	}
	if !out.Committed {
		s.logger.Debug("no tank reading this cycle", "devices", out.Seen, "matched", out.Matched)
		return
	}

	r := out.Reading
	s.logger.Info("tank reading",
		"addr", out.Address,
		"sensor_type", r.Type.String(),
		"sensor_data_ascii", r.Text,
		"volume", r.Volume,
		"sensor_total", r.Total,
		"devices", out.Seen,
	)
	if !prev.Equal(next) {
		util.Linef("[TANK]", util.ColorGreen, "%s %s: %d/%d %s (%s)", r.Type, r.Text, r.Volume, r.Total, Unit, out.Address)
	}
}

func (s *Sensor) publish(ctx context.Context, snap Snapshot) {
	for _, p := range s.publishers {
		err := p.Publish(ctx, snap)
		switch {
		case err == nil:
		case errors.Is(err, ErrPublisherOffline):
			s.logger.Debug("publish skipped", "publisher", fmt.Sprintf("%T", p), "error", err)
		default:
			s.logger.Warn("publish failed", "publisher", fmt.Sprintf("%T", p), "error", err)
		}
	}
}
