package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"seelevel/internal/ids"
	"seelevel/internal/tank"
	"seelevel/internal/util"
)

var ErrAdapterMissing = errors.New("bluetooth adapter not present")

type BlueZOptions struct {
	Adapter     string
	ServiceUUID string
	RSSIMin     int
	Logger      *slog.Logger
	Resolver    *ids.Resolver
}

// BlueZDiscoverer keeps one LE discovery session running on the adapter and answers
// Discover with a snapshot of the devices BlueZ currently knows about.
type BlueZDiscoverer struct {
	opts   BlueZOptions
	logger *slog.Logger

	// systemBus dials D-Bus; swapped in tests.
	systemBus func() (*dbus.Conn, error)

	mu          sync.Mutex
	conn        *dbus.Conn
	adapterID   string
	knownAddr   string
	present     bool
	startedByUs bool
}

func NewBlueZDiscoverer(opts BlueZOptions) *BlueZDiscoverer {
	if strings.TrimSpace(opts.Adapter) == "" {
		opts.Adapter = "hci0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BlueZDiscoverer{
		opts:      opts,
		logger:    logger.With("backend", "bluez"),
		adapterID: strings.TrimSpace(opts.Adapter),
		systemBus: dbus.SystemBus,
	}
}

// dial connects to the system bus if there is no connection yet. Callers hold b.mu.
func (b *BlueZDiscoverer) dial() error {
	if b.conn != nil {
		return nil
	}
	conn, err := b.systemBus()
	if err != nil {
		return fmt.Errorf("dbus system bus: %w", err)
	}
	b.conn = conn
	return nil
}

func (b *BlueZDiscoverer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.dial(); err != nil {
		return err
	}
	managed, err := getManagedObjects(ctx, b.conn)
	if err != nil {
		return fmt.Errorf("bluez managed objects: %w", err)
	}
	if err := b.ensureAdapter(ctx, managed); err != nil {
		return err
	}
	return b.startDiscovery(ctx)
}

// Discover returns the devices heard in the running discovery session. When the
// adapter has vanished it tries to rebind by controller address and restart discovery.
// A bus connection that failed in Start is dialed again here.
func (b *BlueZDiscoverer) Discover(ctx context.Context) ([]tank.DiscoveredDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.dial(); err != nil {
		return nil, err
	}
	managed, err := getManagedObjects(ctx, b.conn)
	if err != nil {
		return nil, fmt.Errorf("bluez managed objects: %w", err)
	}

	if !managed.adapterExists(b.adapterID) || !b.present {
		if err := b.ensureAdapter(ctx, managed); err != nil {
			return nil, err
		}
		if err := b.startDiscovery(ctx); err != nil {
			return nil, err
		}
	}

	devices := managed.devices(b.adapterID, b.opts.RSSIMin)
	b.logDevices(devices)
	return devices, nil
}

// Close stops discovery if it was started by this discoverer.
func (b *BlueZDiscoverer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || !b.startedByUs {
		return nil
	}
	b.startedByUs = false
	return b.conn.Object(bluezService, adapterPath(b.adapterID)).Call(adapterIface+".StopDiscovery", 0).Err
}

// ensureAdapter checks presence (rebinding a renamed hciN by address) and power.
func (b *BlueZDiscoverer) ensureAdapter(ctx context.Context, managed managedObjects) error {
	present := managed.adapterExists(b.adapterID)
	if !present && b.knownAddr != "" {
		if newID := managed.adapterByAddress(b.knownAddr); newID != "" && newID != b.adapterID {
			util.Linef("[ADAPTER]", util.ColorYellow, "%s remapped to %s (addr=%s)", b.adapterID, newID, b.knownAddr)
			b.logger.Info("adapter remapped", "from", b.adapterID, "to", newID, "addr", b.knownAddr)
			b.adapterID = newID
			b.startedByUs = false
			present = true
		}
	}

	if present != b.present {
		if present {
			util.Linef("[ADAPTER]", util.ColorGreen, "%s connected", b.adapterID)
			b.logger.Info("adapter connected", "adapter", b.adapterID)
		} else {
			util.Linef("[ADAPTER]", util.ColorYellow, "%s disconnected", b.adapterID)
			b.logger.Warn("adapter disconnected", "adapter", b.adapterID)
			b.startedByUs = false
		}
		b.present = present
	}
	if !present {
		return fmt.Errorf("%w: %s", ErrAdapterMissing, b.adapterID)
	}

	if b.knownAddr == "" {
		b.knownAddr = managed.adapterAddress(b.adapterID)
	}
	if powered := getBoolPtr(managed[adapterPath(b.adapterID)][adapterIface], "Powered"); powered == nil || !*powered {
		err := b.conn.Object(bluezService, adapterPath(b.adapterID)).CallWithContext(ctx,
			"org.freedesktop.DBus.Properties.Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err
		if err != nil {
			b.logger.Warn("power on adapter", "adapter", b.adapterID, "error", err)
		}
	}
	return nil
}

func (b *BlueZDiscoverer) startDiscovery(ctx context.Context) error {
	obj := b.conn.Object(bluezService, adapterPath(b.adapterID))

	// Another process may own discovery; the filter is then best-effort.
	if err := obj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, discoveryFilter(b.opts.ServiceUUID)).Err; err != nil {
		b.logger.Debug("set discovery filter", "adapter", b.adapterID, "error", err)
	}

	err := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err
	switch {
	case err == nil:
		b.startedByUs = true
		util.Linef("[SCAN]", util.ColorGray, "adapter=%s discovery started", b.adapterID)
	case strings.Contains(err.Error(), "InProgress"):
		util.Linef("[SCAN]", util.ColorGray, "adapter=%s discovery already in progress (reusing)", b.adapterID)
	default:
		return fmt.Errorf("start discovery on %s: %w", b.adapterID, err)
	}
	return nil
}

// discoveryFilter restricts discovery to LE and, when the identifier is a UUID BlueZ
// understands, to the tank service.
func discoveryFilter(serviceUUID string) map[string]dbus.Variant {
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if u, err := ids.NormalizeUUID(serviceUUID); err == nil {
		filter["UUIDs"] = dbus.MakeVariant([]string{u})
	}
	return filter
}

func (b *BlueZDiscoverer) logDevices(devices []tank.DiscoveredDevice) {
	if !b.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, d := range devices {
		b.logger.Debug("device",
			"addr", d.Address,
			"name", util.SafeName(d.Name),
			"rssi", d.RSSI,
			"vendor", b.opts.Resolver.VendorForMAC(d.Address),
			"uuids", annotateUUIDs(b.opts.Resolver, d.ServiceUUIDs),
		)
	}
}

func annotateUUIDs(r *ids.Resolver, uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, r.AnnotateServiceUUID(u))
	}
	return out
}
