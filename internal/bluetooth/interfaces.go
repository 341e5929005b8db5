package bluetooth

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"

	"github.com/godbus/dbus/v5"
)

type InterfaceInfo struct {
	ID      string
	BusInfo string
	Address string
}

var (
	ifaceLineRe = regexp.MustCompile(`^(hci\d+):.*`)
	busRe       = regexp.MustCompile(`Bus:\s*(USB|UART|PCI|SDIO|Virtual)`)
	bdAddrRe    = regexp.MustCompile(`BD Address:\s*([0-9A-Fa-f:]{17})`)
)

// GetBluetoothInterfaces lists adapters via hciconfig, falling back to BlueZ over
// D-Bus when hciconfig is not installed.
func GetBluetoothInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	out, err := exec.CommandContext(ctx, "hciconfig").CombinedOutput()
	if err == nil {
		return ParseHCIConfig(out), nil
	}
	list, berr := bluezInterfaces(ctx)
	if berr != nil {
		return nil, err
	}
	return list, nil
}

// ParseHCIConfig extracts adapters from `hciconfig` output.
func ParseHCIConfig(out []byte) []InterfaceInfo {
	var list []InterfaceInfo
	var cur InterfaceInfo

	flush := func() {
		if cur.ID == "" {
			return
		}
		if cur.BusInfo == "" {
			cur.BusInfo = "Unknown"
		}
		list = append(list, cur)
		cur = InterfaceInfo{}
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if m := ifaceLineRe.FindStringSubmatch(line); m != nil {
			flush()
			cur.ID = m[1]
		}
		if cur.ID == "" {
			continue
		}
		if cur.BusInfo == "" {
			if bm := busRe.FindStringSubmatch(line); bm != nil {
				cur.BusInfo = bm[1]
			}
		}
		if cur.Address == "" {
			if am := bdAddrRe.FindStringSubmatch(line); am != nil {
				cur.Address = strings.ToUpper(am[1])
			}
		}
	}
	flush()
	return list
}

func bluezInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	managed, err := getManagedObjects(ctx, conn)
	if err != nil {
		return nil, err
	}
	var list []InterfaceInfo
	for _, id := range managed.adapterIDs() {
		list = append(list, InterfaceInfo{ID: id, BusInfo: "Unknown", Address: managed.adapterAddress(id)})
	}
	return list, nil
}
