package status

import (
	"context"
	"fmt"
	"time"

	"seelevel/internal/sensor"
	"seelevel/internal/tank"
	"seelevel/internal/util"
)

type SensorSource interface {
	Name() string
	Unit() string
	State() tank.State
	Stats() sensor.Stats
}

type StatsSource interface {
	GetStatistics(ctx context.Context) (cycles, committed, skipped int, err error)
}

type LinkSource interface {
	IsConnected() bool
}

// Provider holds what the status line reports. Store and MQTT may be nil.
type Provider struct {
	Sensor SensorSource
	Store  StatsSource
	MQTT   LinkSource
}

// Run prints periodic status lines to the console.
func Run(ctx context.Context, interval time.Duration, p Provider) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			printOnce(ctx, p)
		}
	}
}

func printOnce(ctx context.Context, p Provider) {
	if p.Sensor != nil {
		util.Linef("[TANK]", util.ColorCyan, "%s: %s", p.Sensor.Name(), formatState(p.Sensor.State(), p.Sensor.Unit()))
		util.Linef("[CYCLES]", util.ColorGray, "%s", formatStats(p.Sensor.Stats(), time.Now()))
	}

	if p.Store != nil {
		cycles, committed, skipped, err := p.Store.GetStatistics(ctx)
		if err == nil {
			util.Linef("[DB STATS]", util.ColorGray, "Session Cycles: %d, Committed: %d, Skipped Devices: %d", cycles, committed, skipped)
		}
	}

	if p.MQTT != nil {
		link := "disconnected"
		if p.MQTT.IsConnected() {
			link = "connected"
		}
		util.Linef("[MQTT]", util.ColorGray, "%s", link)
	}
}

func formatState(st tank.State, unit string) string {
	if !st.Known() {
		return "unknown (no reading yet)"
	}
	s := fmt.Sprintf("%d %s", *st.Volume, unit)
	if a := st.Attributes; a != nil {
		s += fmt.Sprintf(" of %d, %s %q", a.SensorTotal, a.SensorType, a.SensorDataASCII)
	}
	if st.Address != "" {
		s += " from " + st.Address
	}
	return s
}

func formatStats(s sensor.Stats, now time.Time) string {
	out := fmt.Sprintf("total %d, commits %d, failures %d", s.Cycles, s.Commits, s.Failures)
	if !s.LastCommit.IsZero() {
		out += fmt.Sprintf(", last reading %s ago", now.Sub(s.LastCommit).Round(time.Second))
	}
	return out
}
