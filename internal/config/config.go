package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"seelevel/internal/ids"
	"seelevel/internal/tank"
)

// ErrConfig marks a configuration problem that prevents the sensor from starting.
var ErrConfig = tank.ErrConfig

const (
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"
	BackendFile   = "file"

	DefaultPath = "seelevel.yaml"
)

type Config struct {
	ServiceUUID    string         `yaml:"service_uuid"`
	ManufacturerID ManufacturerID `yaml:"manufacturer_id"`
	Name           string         `yaml:"name"`
	ScanInterval   Duration       `yaml:"scan_interval"`
	StatusInterval Duration       `yaml:"status_interval"`

	DataDir       string `yaml:"data_dir"`
	CustomDataDir string `yaml:"custom_data_dir"`
	StateDB       string `yaml:"state_db"`

	Discovery Discovery `yaml:"discovery"`
	Preflight Preflight `yaml:"preflight"`
	Log       Log       `yaml:"log"`
	MQTT      MQTT      `yaml:"mqtt"`

	// Command-line only.
	Path         string `yaml:"-"`
	ListAdapters bool   `yaml:"-"`
	Once         bool   `yaml:"-"`
}

type Discovery struct {
	Backend    string   `yaml:"backend"`
	Adapter    string   `yaml:"adapter"`
	ScanWindow Duration `yaml:"scan_window"`
	RSSIMin    int      `yaml:"rssi_min"`
	// File is the device list read by the "file" backend.
	File string `yaml:"file"`
}

type Preflight struct {
	RestartBluetooth bool   `yaml:"restart_bluetooth"`
	Cache            string `yaml:"cache"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MQTT struct {
	Broker          string `yaml:"broker"`
	Port            int    `yaml:"port"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	Retain          bool   `yaml:"retain"`
}

// Enabled reports whether a broker is configured.
func (m MQTT) Enabled() bool {
	return strings.TrimSpace(m.Broker) != ""
}

func Default() Config {
	return Config{
		ManufacturerID: ManufacturerID(tank.DefaultManufacturerID),
		ScanInterval:   Duration(5 * time.Second),
		StatusInterval: Duration(30 * time.Second),
		DataDir:        "./data",
		StateDB:        "seelevel.db",
		Discovery: Discovery{
			Backend:    BackendBlueZ,
			Adapter:    "hci0",
			ScanWindow: Duration(3 * time.Second),
			RSSIMin:    -100,
		},
		Preflight: Preflight{
			RestartBluetooth: true,
			Cache:            "auto",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			File:   "app.log",
		},
		MQTT: MQTT{
			Port:            1883,
			ClientID:        "seelevel",
			TopicPrefix:     "seelevel",
			DiscoveryPrefix: "homeassistant",
			Retain:          true,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file at the default path
// is not an error; a missing explicitly named file is.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	cfg.Path = path
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return cfg, nil
}

// Parse handles command-line arguments: -config selects the file, every other
// flag that was set explicitly overrides the file value.
func Parse(name string, args []string, output io.Writer) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	var (
		configPath      = fs.String("config", DefaultPath, "YAML configuration file")
		serviceUUID     = fs.String("service-uuid", "", "Service UUID advertised by the tank transmitter (required)")
		manufacturerID  = fs.String("manufacturer-id", "", "Manufacturer (company) ID of the tank payload, e.g. 0xFFFF")
		sensorName      = fs.String("name", "", "Sensor display name")
		scanInterval    = fs.Duration("scan-interval", 0, "Interval between discovery cycles")
		statusInterval  = fs.Duration("status-interval", 0, "Console status interval (0 disables)")
		backend         = fs.String("backend", "", "Discovery backend: bluez|tinygo|file")
		adapter         = fs.String("adapter", "", "Bluetooth adapter (e.g. hci0)")
		scanWindow      = fs.Duration("scan-window", 0, "tinygo backend: scan duration per cycle")
		rssiMin         = fs.Int("rssi-min", 0, "Ignore devices weaker than this RSSI (dBm)")
		devicesFile     = fs.String("devices-file", "", "file backend: YAML device list")
		restartBlueZSvc = fs.Bool("restart-bluetooth", true, "Preflight: restart bluetooth service if the adapter is missing (requires root + systemctl)")
		bluezCacheMode  = fs.String("bluez-cache", "", "Preflight: BlueZ device cache cleanup mode: auto|off|force")
		dataDir         = fs.String("data-dir", "", "Data directory root (expects default/ and custom/ subfolders)")
		customDataDir   = fs.String("custom-data-dir", "", "Optional custom data directory path (overrides <data-dir>/custom)")
		stateDB         = fs.String("state-db", "", "SQLite file for the last known state (\"-\" disables)")
		logLevel        = fs.String("log-level", "", "Log level: debug|info|warn|error")
		logFormat       = fs.String("log-format", "", "Log format: text|json")
		logFile         = fs.String("log-file", "", "Log file (\"-\" logs to stderr)")
		mqttBroker      = fs.String("mqtt-broker", "", "MQTT broker host (empty disables MQTT)")
		mqttPort        = fs.Int("mqtt-port", 0, "MQTT broker port")
		listAdapters    = fs.Bool("list-adapters", false, "List Bluetooth adapters and exit")
		once            = fs.Bool("once", false, "Run a single discovery cycle, print the state and exit")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := Load(*configPath, set["config"])
	if err != nil {
		return Config{}, err
	}
	cfg.ListAdapters = *listAdapters
	cfg.Once = *once

	if set["service-uuid"] {
		cfg.ServiceUUID = *serviceUUID
	}
	if set["manufacturer-id"] {
		v, err := parseManufacturerID(*manufacturerID)
		if err != nil {
			return Config{}, err
		}
		cfg.ManufacturerID = v
	}
	if set["name"] {
		cfg.Name = *sensorName
	}
	if set["scan-interval"] {
		cfg.ScanInterval = Duration(*scanInterval)
	}
	if set["status-interval"] {
		cfg.StatusInterval = Duration(*statusInterval)
	}
	if set["backend"] {
		cfg.Discovery.Backend = *backend
	}
	if set["adapter"] {
		cfg.Discovery.Adapter = *adapter
	}
	if set["scan-window"] {
		cfg.Discovery.ScanWindow = Duration(*scanWindow)
	}
	if set["rssi-min"] {
		cfg.Discovery.RSSIMin = *rssiMin
	}
	if set["devices-file"] {
		cfg.Discovery.File = *devicesFile
	}
	if set["restart-bluetooth"] {
		cfg.Preflight.RestartBluetooth = *restartBlueZSvc
	}
	if set["bluez-cache"] {
		cfg.Preflight.Cache = *bluezCacheMode
	}
	if set["data-dir"] {
		cfg.DataDir = *dataDir
	}
	if set["custom-data-dir"] {
		cfg.CustomDataDir = *customDataDir
	}
	if set["state-db"] {
		cfg.StateDB = dashToEmpty(*stateDB)
	}
	if set["log-level"] {
		cfg.Log.Level = *logLevel
	}
	if set["log-format"] {
		cfg.Log.Format = *logFormat
	}
	if set["log-file"] {
		cfg.Log.File = dashToEmpty(*logFile)
	}
	if set["mqtt-broker"] {
		cfg.MQTT.Broker = *mqttBroker
	}
	if set["mqtt-port"] {
		cfg.MQTT.Port = *mqttPort
	}
	if pw := os.Getenv("SEELEVEL_MQTT_PASSWORD"); pw != "" {
		cfg.MQTT.Password = pw
	}

	if cfg.ListAdapters {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// Validate normalizes the configuration in place and reports the first problem.
func (c *Config) Validate() error {
	id, err := tank.ParseServiceIdentifier(c.ServiceUUID)
	if err != nil {
		return err
	}
	// Short forms are expanded so they compare equal to what BlueZ reports;
	// anything else is kept as an opaque token.
	if u, err := ids.NormalizeUUID(string(id)); err == nil {
		c.ServiceUUID = u
	} else {
		c.ServiceUUID = string(id)
	}

	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan_interval must be positive, got %v", ErrConfig, time.Duration(c.ScanInterval))
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("%w: status_interval must not be negative", ErrConfig)
	}

	c.Discovery.Backend = strings.ToLower(strings.TrimSpace(c.Discovery.Backend))
	switch c.Discovery.Backend {
	case BackendBlueZ, BackendTinyGo:
	case BackendFile:
		if strings.TrimSpace(c.Discovery.File) == "" {
			return fmt.Errorf("%w: discovery.file is required for the file backend", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: invalid discovery.backend %q (allowed: bluez, tinygo, file)", ErrConfig, c.Discovery.Backend)
	}
	c.Discovery.Adapter = strings.TrimSpace(c.Discovery.Adapter)
	if c.Discovery.Adapter == "" {
		c.Discovery.Adapter = "hci0"
	}
	if c.Discovery.ScanWindow <= 0 {
		return fmt.Errorf("%w: discovery.scan_window must be positive", ErrConfig)
	}

	c.Preflight.Cache = strings.ToLower(strings.TrimSpace(c.Preflight.Cache))
	switch c.Preflight.Cache {
	case "", "auto":
		c.Preflight.Cache = "auto"
	case "off", "force":
	default:
		return fmt.Errorf("%w: invalid preflight.cache %q (allowed: auto, off, force)", ErrConfig, c.Preflight.Cache)
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "", "text":
		c.Log.Format = "text"
	case "json":
	default:
		return fmt.Errorf("%w: invalid log.format %q (allowed: text, json)", ErrConfig, c.Log.Format)
	}

	if c.MQTT.Enabled() {
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("%w: invalid mqtt.port %d", ErrConfig, c.MQTT.Port)
		}
		if strings.TrimSpace(c.MQTT.ClientID) == "" {
			c.MQTT.ClientID = "seelevel"
		}
		c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "seelevel"
		}
		c.MQTT.DiscoveryPrefix = strings.Trim(strings.TrimSpace(c.MQTT.DiscoveryPrefix), "/")
	}
	return nil
}

// ParseLogLevel maps a level name to slog.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: invalid log level %q (allowed: debug, info, warn, error)", ErrConfig, s)
	}
}

func dashToEmpty(s string) string {
	if strings.TrimSpace(s) == "-" {
		return ""
	}
	return s
}

// Duration accepts Go duration strings ("5s") or integer seconds in YAML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	s := strings.TrimSpace(n.Value)
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", n.Line, n.Value)
	}
	*d = Duration(v)
	return nil
}

// ManufacturerID accepts decimal or 0x-prefixed hex in YAML.
type ManufacturerID uint16

func (m ManufacturerID) String() string { return fmt.Sprintf("0x%04X", uint16(m)) }

func (m *ManufacturerID) UnmarshalYAML(n *yaml.Node) error {
	v, err := parseManufacturerID(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %v", n.Line, err)
	}
	*m = v
	return nil
}

func parseManufacturerID(s string) (ManufacturerID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid manufacturer id %q", ErrConfig, s)
	}
	return ManufacturerID(v), nil
}
