package bluetooth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"seelevel/internal/util"
)

type BlueZCacheMode string

const (
	BlueZCacheOff   BlueZCacheMode = "off"
	BlueZCacheAuto  BlueZCacheMode = "auto"
	BlueZCacheForce BlueZCacheMode = "force"
)

type PreflightOptions struct {
	RestartBluetoothService bool
	CacheMode               BlueZCacheMode
	Logger                  *slog.Logger
}

// PreflightBlueZ checks that the adapters exist, restarting bluetoothd when allowed,
// and clears cached device objects so stale advertisements are not reported.
// Every step is best-effort.
func PreflightBlueZ(ctx context.Context, adapters []string, opt PreflightOptions) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var wanted []string
	for _, a := range adapters {
		if a = strings.TrimSpace(a); a != "" {
			wanted = append(wanted, a)
		}
	}
	if len(wanted) == 0 {
		return
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		util.Linef("[PREFLIGHT]", util.ColorYellow, "dbus SystemBus error: %v", err)
		logger.Warn("preflight: dbus system bus", "error", err)
		return
	}
	managed, err := getManagedObjects(ctx, conn)
	if err != nil {
		util.Linef("[PREFLIGHT]", util.ColorYellow, "bluez not reachable: %v", err)
		logger.Warn("preflight: bluez managed objects", "error", err)
	}

	missing := missingAdapters(managed, wanted)
	if len(missing) > 0 {
		util.Linef("[PREFLIGHT]", util.ColorYellow, "missing adapters: %s", strings.Join(missing, ","))
		if opt.RestartBluetoothService && util.IsRoot() && util.HasSystemctl() {
			if !util.ServiceIsActive(ctx, "bluetooth") {
				util.Line("[PREFLIGHT]", util.ColorGray, "bluetooth service inactive -> restarting")
				if err := util.RestartService(ctx, "bluetooth"); err != nil {
					logger.Warn("preflight: restart bluetooth", "error", err)
				}
			}
			t := time.NewTimer(1500 * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			managed, _ = getManagedObjects(ctx, conn)
			if still := missingAdapters(managed, missing); len(still) > 0 {
				util.Linef("[PREFLIGHT]", util.ColorYellow, "still missing adapters: %s", strings.Join(still, ","))
			}
		}
	}

	if opt.CacheMode == "" {
		opt.CacheMode = BlueZCacheAuto
	}
	if opt.CacheMode == BlueZCacheOff || managed == nil {
		return
	}
	for _, a := range wanted {
		paths := managed.staleDevices(a, opt.CacheMode)
		obj := conn.Object(bluezService, adapterPath(a))
		removed := 0
		for _, p := range paths {
			if err := obj.CallWithContext(ctx, adapterIface+".RemoveDevice", 0, p).Err; err == nil {
				removed++
			}
		}
		if removed > 0 {
			util.Linef("[PREFLIGHT]", util.ColorGray, "adapter=%s cache cleared: %d device objects", a, removed)
			logger.Info("preflight: bluez cache cleared", "adapter", a, "removed", removed)
		}
	}
}

func missingAdapters(managed managedObjects, adapters []string) []string {
	var missing []string
	for _, a := range adapters {
		if !managed.adapterExists(a) {
			missing = append(missing, a)
		}
	}
	return missing
}

// staleDevices lists cached device objects under adapterID that may be removed.
// Connected devices are always kept; auto mode also keeps paired or trusted ones.
func (m managedObjects) staleDevices(adapterID string, mode BlueZCacheMode) []dbus.ObjectPath {
	prefix := string(adapterPath(adapterID)) + "/dev_"
	var out []dbus.ObjectPath
	for path, ifaces := range m {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev1, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if c := getBoolPtr(dev1, "Connected"); c != nil && *c {
			continue
		}
		if mode == BlueZCacheAuto {
			paired := getBoolPtr(dev1, "Paired")
			trusted := getBoolPtr(dev1, "Trusted")
			if (paired != nil && *paired) || (trusted != nil && *trusted) {
				continue
			}
		}
		out = append(out, path)
	}
	return out
}
