package bluetooth

import (
	"context"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"seelevel/internal/tank"
	"seelevel/internal/util"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	bluezRootPath  = "/org/bluez/"
	getManagedObjs = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	root := conn.Object(bluezService, dbus.ObjectPath("/"))
	call := root.CallWithContext(ctx, getManagedObjs, 0)
	if call.Err != nil {
		return nil, call.Err
	}
	var managed managedObjects
	if err := call.Store(&managed); err != nil {
		return nil, err
	}
	return managed, nil
}

func adapterPath(adapterID string) dbus.ObjectPath {
	return dbus.ObjectPath(bluezRootPath + strings.TrimSpace(adapterID))
}

func (m managedObjects) adapterExists(adapterID string) bool {
	ifaces, ok := m[adapterPath(adapterID)]
	if !ok {
		return false
	}
	_, ok = ifaces[adapterIface]
	return ok
}

func (m managedObjects) adapterAddress(adapterID string) string {
	ad, ok := m[adapterPath(adapterID)][adapterIface]
	if !ok {
		return ""
	}
	s, _ := getString(ad, "Address")
	return strings.ToUpper(strings.TrimSpace(s))
}

// adapterByAddress finds an adapter ID (e.g. hci1) by controller address.
func (m managedObjects) adapterByAddress(addr string) string {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return ""
	}
	for path, ifaces := range m {
		ad, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		s, _ := getString(ad, "Address")
		if strings.ToUpper(strings.TrimSpace(s)) != addr {
			continue
		}
		if p := string(path); strings.HasPrefix(p, bluezRootPath) {
			return strings.TrimPrefix(p, bluezRootPath)
		}
	}
	return ""
}

// adapterIDs lists the adapters BlueZ currently exposes, sorted.
func (m managedObjects) adapterIDs() []string {
	var out []string
	for path, ifaces := range m {
		if _, ok := ifaces[adapterIface]; !ok {
			continue
		}
		if p := string(path); strings.HasPrefix(p, bluezRootPath) {
			out = append(out, strings.TrimPrefix(p, bluezRootPath))
		}
	}
	sort.Strings(out)
	return out
}

// devices converts the Device1 objects under adapterID. Devices without RSSI were not
// heard in the current discovery session and are left out, as are those below rssiMin.
// The result is ordered by RSSI, strongest first, then by address.
func (m managedObjects) devices(adapterID string, rssiMin int) []tank.DiscoveredDevice {
	prefix := string(adapterPath(adapterID)) + "/dev_"
	out := make([]tank.DiscoveredDevice, 0, 64)
	for path, ifaces := range m {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev1, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		d, ok := deviceFromProps(dev1)
		if !ok || d.RSSI < rssiMin {
			continue
		}
		out = append(out, d)
	}
	sortByRSSI(out)
	return out
}

// deviceFromProps builds a DiscoveredDevice from org.bluez.Device1 properties.
func deviceFromProps(props map[string]dbus.Variant) (tank.DiscoveredDevice, bool) {
	addr, _ := getString(props, "Address")
	addr = util.NormalizeMAC(addr)
	if addr == "" {
		return tank.DiscoveredDevice{}, false
	}
	rssi := getInt16AsIntPtr(props, "RSSI")
	if rssi == nil {
		return tank.DiscoveredDevice{}, false
	}

	name, _ := getString(props, "Name")
	if name == "" {
		name, _ = getString(props, "Alias")
	}

	return tank.DiscoveredDevice{
		Address:          addr,
		Name:             strings.TrimSpace(name),
		RSSI:             *rssi,
		ServiceUUIDs:     getUUIDsList(props),
		ManufacturerData: getManufacturerData(props),
	}, true
}

func sortByRSSI(devs []tank.DiscoveredDevice) {
	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
}

func getString(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func getBoolPtr(props map[string]dbus.Variant, key string) *bool {
	v, ok := props[key]
	if !ok {
		return nil
	}
	b, ok := v.Value().(bool)
	if !ok {
		return nil
	}
	return &b
}

func getInt16AsIntPtr(props map[string]dbus.Variant, key string) *int {
	v, ok := props[key]
	if !ok {
		return nil
	}
	var n int
	switch x := v.Value().(type) {
	case int16:
		n = int(x)
	case int32:
		n = int(x)
	case int:
		n = x
	default:
		return nil
	}
	return &n
}

func getUUIDsList(props map[string]dbus.Variant) []string {
	v, ok := props["UUIDs"]
	if !ok {
		return nil
	}
	u, _ := v.Value().([]string)
	return u
}

// getManufacturerData copies ManufacturerData (a{qv}) into plain byte slices.
func getManufacturerData(props map[string]dbus.Variant) map[uint16][]byte {
	v, ok := props["ManufacturerData"]
	if !ok {
		return nil
	}
	out := make(map[uint16][]byte)
	switch mm := v.Value().(type) {
	case map[uint16][]byte:
		for k, b := range mm {
			out[k] = append([]byte(nil), b...)
		}
	case map[uint16]dbus.Variant:
		for k, vv := range mm {
			if b, ok := vv.Value().([]byte); ok {
				out[k] = append([]byte(nil), b...)
			}
		}
	default:
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
