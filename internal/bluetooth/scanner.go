package bluetooth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	tg "tinygo.org/x/bluetooth"

	"seelevel/internal/ids"
	"seelevel/internal/tank"
	"seelevel/internal/util"
)

const DefaultScanWindow = 3 * time.Second

type ScannerOptions struct {
	Adapter  string
	Window   time.Duration
	RSSIMin  int
	Logger   *slog.Logger
	Resolver *ids.Resolver
}

// Scanner runs one timed LE scan window per Discover call.
type Scanner struct {
	opts    ScannerOptions
	logger  *slog.Logger
	adapter *tg.Adapter

	mu      sync.Mutex
	enabled bool
}

func NewScanner(opts ScannerOptions) *Scanner {
	if strings.TrimSpace(opts.Adapter) == "" {
		opts.Adapter = "hci0"
	}
	if opts.Window <= 0 {
		opts.Window = DefaultScanWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		opts:    opts,
		logger:  logger.With("backend", "tinygo", "adapter", opts.Adapter),
		adapter: tg.NewAdapter(strings.TrimSpace(opts.Adapter)),
	}
}

// scanCollector keeps devices in first-seen order while taking the latest payloads.
type scanCollector struct {
	mu      sync.Mutex
	index   map[string]int
	devices []tank.DiscoveredDevice
}

func newScanCollector() *scanCollector {
	return &scanCollector{index: make(map[string]int)}
}

func (c *scanCollector) add(d tank.DiscoveredDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[d.Address]
	if !ok {
		c.index[d.Address] = len(c.devices)
		c.devices = append(c.devices, d)
		return
	}
	prev := c.devices[i]
	if d.Name == "" {
		d.Name = prev.Name
	}
	if len(d.ServiceUUIDs) == 0 {
		d.ServiceUUIDs = prev.ServiceUUIDs
	}
	if len(d.ManufacturerData) == 0 {
		d.ManufacturerData = prev.ManufacturerData
	}
	c.devices[i] = d
}

func (c *scanCollector) snapshot(rssiMin int) []tank.DiscoveredDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tank.DiscoveredDevice, 0, len(c.devices))
	for _, d := range c.devices {
		if d.RSSI < rssiMin {
			continue
		}
		out = append(out, d)
	}
	return out
}

// deviceFromScan converts one advertisement report. Manufacturer data is taken from
// the raw AD structures when the stack does not split it out.
func deviceFromScan(addr string, rssi int, name string, uuids []string, mfg []tg.ManufacturerDataElement, raw []byte) tank.DiscoveredDevice {
	d := tank.DiscoveredDevice{
		Address:      util.NormalizeMAC(addr),
		Name:         strings.TrimSpace(name),
		RSSI:         rssi,
		ServiceUUIDs: uuids,
	}
	if len(mfg) > 0 {
		d.ManufacturerData = make(map[uint16][]byte, len(mfg))
		for _, m := range mfg {
			d.ManufacturerData[m.CompanyID] = append([]byte(nil), m.Data...)
		}
	} else if len(raw) > 0 {
		d.ManufacturerData = ManufacturerPayloads(DecodeADStructures(raw))
	}
	return d
}

func (s *Scanner) enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return err
	}
	s.enabled = true
	return nil
}

// Discover scans for one window. A cancelled ctx stops the scan early and returns
// what was heard so far together with ctx.Err().
func (s *Scanner) Discover(ctx context.Context) ([]tank.DiscoveredDevice, error) {
	if err := s.enable(); err != nil {
		return nil, err
	}

	// Make sure a previous scan is not still considered active by BlueZ.
	_ = s.adapter.StopScan()
	time.Sleep(150 * time.Millisecond)

	util.Linef("[SCAN]", util.ColorGray, "adapter=%s duration=%s", s.opts.Adapter, s.opts.Window)
	col := newScanCollector()
	debug := s.logger.Enabled(ctx, slog.LevelDebug)

	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- s.adapter.Scan(func(_ *tg.Adapter, res tg.ScanResult) {
			uuids := make([]string, 0, 2)
			for _, u := range res.ServiceUUIDs() {
				uuids = append(uuids, u.String())
			}
			raw := res.Bytes()
			d := deviceFromScan(res.Address.String(), int(res.RSSI), res.LocalName(), uuids, res.ManufacturerData(), raw)
			col.add(d)

			if debug && len(raw) > 0 {
				ads := make([]string, 0, 4)
				for _, it := range DecodeADStructures(raw) {
					ads = append(ads, it.String())
				}
				s.logger.Debug("advertisement",
					"addr", d.Address,
					"addr_type", classifyAddress(d.Address, res.Address.IsRandom()),
					"rssi", d.RSSI,
					"vendor", s.opts.Resolver.VendorForMAC(d.Address),
					"uuids", annotateUUIDs(s.opts.Resolver, uuids),
					"ad", ads,
				)
			}
		})
	}()

	t := time.NewTimer(s.opts.Window)
	defer t.Stop()

	select {
	case <-ctx.Done():
		_ = s.adapter.StopScan()
		select {
		case <-scanErrCh:
		case <-time.After(8 * time.Second):
		}
		return col.snapshot(s.opts.RSSIMin), ctx.Err()
	case <-t.C:
		_ = s.adapter.StopScan()
		select {
		case <-scanErrCh:
		case <-time.After(8 * time.Second):
			return nil, errors.New("scan stop timeout (bluez still discovering)")
		}
		// Give BlueZ a short moment to settle.
		time.Sleep(150 * time.Millisecond)
		return col.snapshot(s.opts.RSSIMin), nil
	case err := <-scanErrCh:
		_ = s.adapter.StopScan()
		if err != nil {
			return nil, err
		}
		return col.snapshot(s.opts.RSSIMin), nil
	}
}

// Close stops a scan left running by a cancelled Discover.
func (s *Scanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		_ = s.adapter.StopScan()
	}
	return nil
}
