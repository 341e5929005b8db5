package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seelevel/internal/bluetooth"
	"seelevel/internal/config"
	"seelevel/internal/db"
	"seelevel/internal/ids"
	"seelevel/internal/logging"
	"seelevel/internal/mqtt"
	"seelevel/internal/sensor"
	"seelevel/internal/status"
	"seelevel/internal/util"
)

const appName = "seelevel"

var version = "dev"

type discoverer interface {
	sensor.Discoverer
	Close() error
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(appName, os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		util.Linef("[ERROR]", util.ColorYellow, "%v", err)
		return 1
	}

	logger, closeLog, err := logging.New(cfg.Log, version, appName)
	if err != nil {
		util.Linef("[ERROR]", util.ColorYellow, "failed to set up logging: %v", err)
		return 1
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	printLogo()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if cfg.ListAdapters {
		return listAdapters(ctx)
	}

	resolver, err := ids.Load(ids.LoadConfig{DataDir: cfg.DataDir, CustomDir: cfg.CustomDataDir})
	if err != nil {
		// Non-fatal: names only enrich debug output.
		util.Linef("[WARN]", util.ColorYellow, "failed to load data files: %v", err)
		logger.Warn("load identifier data", "error", err)
	}

	opts := []sensor.Option{sensor.WithLogger(logger)}

	var store *db.Store
	if cfg.StateDB != "" {
		store, err = db.Open(cfg.StateDB)
		if err != nil {
			util.Linef("[WARN]", util.ColorYellow, "state database disabled: %v", err)
			logger.Warn("open state database", "path", cfg.StateDB, "error", err)
			store = nil
		} else {
			defer store.Close()
			st, at, err := store.LoadState(ctx, cfg.ServiceUUID)
			switch {
			case err != nil:
				logger.Warn("restore state", "error", err)
			case st.Known():
				util.Linef("[RESTORE]", util.ColorGray, "%d %s (saved %s)", *st.Volume, sensor.Unit, at.Format("2006-01-02 15:04:05"))
				opts = append(opts, sensor.WithInitialState(st))
			}
			sessionID, err := store.CreateSession(ctx, cfg.Discovery.Adapter, cfg.Discovery.Backend, cfg.ServiceUUID)
			if err != nil {
				logger.Warn("create session", "error", err)
			} else {
				util.Linef("[SESSION]", util.ColorGray, "id=%d adapter=%s backend=%s", sessionID, cfg.Discovery.Adapter, cfg.Discovery.Backend)
			}
			opts = append(opts, sensor.WithPublisher(store))
		}
	}

	disc, err := newDiscoverer(ctx, cfg, logger, resolver)
	if err != nil {
		util.Linef("[ERROR]", util.ColorYellow, "%v", err)
		return 1
	}
	defer func() { _ = disc.Close() }()

	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		pub, err = mqtt.NewPublisher(cfg.MQTT, mqtt.Entity{Name: cfg.Name, ServiceUUID: cfg.ServiceUUID, Version: version}, logger)
		if err != nil {
			util.Linef("[ERROR]", util.ColorYellow, "%v", err)
			return 1
		}
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := pub.Connect(connectCtx); err != nil {
			// The client keeps retrying in the background.
			util.Linef("[MQTT]", util.ColorYellow, "broker %s:%d not reachable yet: %v", cfg.MQTT.Broker, cfg.MQTT.Port, err)
		}
		connectCancel()
		defer pub.Disconnect()
		opts = append(opts, sensor.WithPublisher(pub))
	}

	s, err := sensor.New(sensor.Config{
		ServiceUUID:    cfg.ServiceUUID,
		ManufacturerID: uint16(cfg.ManufacturerID),
		Name:           cfg.Name,
	}, disc, opts...)
	if err != nil {
		util.Linef("[ERROR]", util.ColorYellow, "%v", err)
		return 1
	}
	util.Linef("[SENSOR]", util.ColorGreen, "%s (service %s, manufacturer 0x%04X, backend %s)", s.Name(), s.ServiceUUID(), s.ManufacturerID(), cfg.Discovery.Backend)

	if cfg.Once {
		if err := s.Update(ctx); err != nil {
			util.Linef("[ERROR]", util.ColorYellow, "discovery failed: %v", err)
			return 1
		}
		return printState(s)
	}

	if cfg.StatusInterval > 0 {
		p := status.Provider{Sensor: s}
		if store != nil {
			p.Store = store
		}
		if pub != nil {
			p.MQTT = pub
		}
		go status.Run(ctx, time.Duration(cfg.StatusInterval), p)
	}

	if err := s.Run(ctx, time.Duration(cfg.ScanInterval)); err != nil && ctx.Err() == nil {
		util.Linef("[ERROR]", util.ColorYellow, "fatal: %v", err)
		return 1
	}
	util.Line("[EXIT]", util.ColorGray, "stopping")
	return 0
}

func newDiscoverer(ctx context.Context, cfg config.Config, logger *slog.Logger, resolver *ids.Resolver) (discoverer, error) {
	if cfg.Discovery.Backend == config.BackendFile {
		fd, err := bluetooth.NewFileDiscoverer(cfg.Discovery.File)
		if err != nil {
			return nil, fmt.Errorf("load devices file: %w", err)
		}
		return fd, nil
	}

	bluetooth.PreflightBlueZ(ctx, []string{cfg.Discovery.Adapter}, bluetooth.PreflightOptions{
		RestartBluetoothService: cfg.Preflight.RestartBluetooth,
		CacheMode:               bluetooth.BlueZCacheMode(cfg.Preflight.Cache),
		Logger:                  logger,
	})

	if cfg.Discovery.Backend == config.BackendTinyGo {
		return bluetooth.NewScanner(bluetooth.ScannerOptions{
			Adapter:  cfg.Discovery.Adapter,
			Window:   time.Duration(cfg.Discovery.ScanWindow),
			RSSIMin:  cfg.Discovery.RSSIMin,
			Logger:   logger,
			Resolver: resolver,
		}), nil
	}

	bz := bluetooth.NewBlueZDiscoverer(bluetooth.BlueZOptions{
		Adapter:     cfg.Discovery.Adapter,
		ServiceUUID: cfg.ServiceUUID,
		RSSIMin:     cfg.Discovery.RSSIMin,
		Logger:      logger,
		Resolver:    resolver,
	})
	if err := bz.Start(ctx); err != nil {
		// Discover retries, including rebinding a re-plugged adapter.
		util.Linef("[WARN]", util.ColorYellow, "bluez discovery not started: %v", err)
		logger.Warn("start bluez discovery", "error", err)
	}
	return bz, nil
}

func listAdapters(ctx context.Context) int {
	interfaces, err := bluetooth.GetBluetoothInterfaces(ctx)
	if err != nil {
		util.Linef("[ERROR]", util.ColorYellow, "failed to get Bluetooth interfaces: %v", err)
		return 1
	}
	if len(interfaces) == 0 {
		fmt.Println("No Bluetooth interfaces found.")
		return 1
	}
	fmt.Println("Available Bluetooth interfaces:")
	for i, inf := range interfaces {
		fmt.Printf("%d: %s (%s) %s\n", i, inf.ID, inf.BusInfo, inf.Address)
	}
	return 0
}

func printState(s *sensor.Sensor) int {
	out := struct {
		Name       string         `json:"name"`
		State      *uint32        `json:"state"`
		Unit       string         `json:"unit"`
		Attributes map[string]any `json:"attributes"`
	}{
		Name:       s.Name(),
		State:      s.State().Volume,
		Unit:       s.Unit(),
		Attributes: s.Attributes(),
	}
	b, err := json.Marshal(out)
	if err != nil {
		util.Linef("[ERROR]", util.ColorYellow, "%v", err)
		return 1
	}
	fmt.Println(string(b))
	return 0
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

func printLogo() {
	logo := `
   _/_/_/                    _/                                  _/
_/          _/_/      _/_/  _/        _/_/    _/      _/    _/_/    _/
 _/_/    _/_/_/_/  _/_/_/_/ _/      _/_/_/_/ _/      _/  _/_/_/_/  _/
    _/  _/        _/       _/      _/         _/  _/    _/        _/
_/_/_/    _/_/_/    _/_/_/ _/_/_/_/  _/_/_/     _/        _/_/_/  _/
`
	fmt.Println(logo)
	fmt.Println("SeeLevel BLE tank sensor " + version)
}
