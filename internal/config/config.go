package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"epdtag/internal/proto"
	"epdtag/internal/radio"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Duration is a time.Duration written as "30s" / "250ms" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// RadioConfig describes the 802.15.4 co-processor link and the check-in timing.
type RadioConfig struct {
	// Port is the serial device of the radio co-processor.
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`
	// Channels is the scan order. Empty means the default 11/15/20/25/26/27.
	Channels []uint8 `yaml:"channels" json:"channels"`
	// MAC is our 8-byte address as hex, in wire order. Empty derives one
	// from the hostname.
	MAC string `yaml:"mac" json:"mac"`

	ScanWindow    Duration `yaml:"scan_window" json:"scan_window"`
	CheckInWindow Duration `yaml:"checkin_window" json:"checkin_window"`
	BlockWindow   Duration `yaml:"block_window" json:"block_window"`
	AckWindow     Duration `yaml:"ack_window" json:"ack_window"`
}

// TagConfig is what we report about ourselves in every check-in.
type TagConfig struct {
	HWType       uint8  `yaml:"hw_type" json:"hw_type"`
	SWVersion    uint16 `yaml:"sw_version" json:"sw_version"`
	Capabilities uint8  `yaml:"capabilities" json:"capabilities"`
	CustomMode   uint8  `yaml:"custom_mode" json:"custom_mode"`
}

// PanelConfig wires the UC8159 to the host SPI bus and GPIOs.
type PanelConfig struct {
	SPIPort string `yaml:"spi_port" json:"spi_port"`
	// SpeedHz is the SPI clock.
	SpeedHz int64  `yaml:"speed_hz" json:"speed_hz"`
	DCPin   string `yaml:"dc_pin" json:"dc_pin"`
	RSTPin  string `yaml:"rst_pin" json:"rst_pin"`
	BusyPin string `yaml:"busy_pin" json:"busy_pin"`
	// BusyActiveLow is true when BUSY low means the controller is working.
	BusyActiveLow  bool     `yaml:"busy_active_low" json:"busy_active_low"`
	InitTimeout    Duration `yaml:"init_timeout" json:"init_timeout"`
	RefreshTimeout Duration `yaml:"refresh_timeout" json:"refresh_timeout"`
}

// TelemetryConfig points at the battery gauge and thermal zone.
// Addr 0 means no gauge; fixed defaults are reported.
type TelemetryConfig struct {
	I2CBus      string `yaml:"i2c_bus" json:"i2c_bus"`
	I2CAddr     uint16 `yaml:"i2c_addr" json:"i2c_addr"`
	ThermalPath string `yaml:"thermal_path" json:"thermal_path"`
}

// ScheduleConfig controls when the next check-in happens if the access point
// does not say.
type ScheduleConfig struct {
	// CheckIn is a cron-style schedule string (e.g. "*/5 * * * *").
	CheckIn string `yaml:"checkin" json:"checkin"`
	// FailureBackoff is the wait after a check-in nobody answered.
	FailureBackoff Duration `yaml:"failure_backoff" json:"failure_backoff"`
}

// StoreConfig is the on-disk image slot store.
type StoreConfig struct {
	Dir   string `yaml:"dir" json:"dir"`
	Slots int    `yaml:"slots" json:"slots"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Radio     RadioConfig     `yaml:"radio" json:"radio"`
	Tag       TagConfig       `yaml:"tag" json:"tag"`
	Panel     PanelConfig     `yaml:"panel" json:"panel"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Schedule  ScheduleConfig  `yaml:"schedule" json:"schedule"`
	Store     StoreConfig     `yaml:"store" json:"store"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}

	r := &c.Radio
	if r.Port == "" {
		r.Port = "/dev/ttyACM0"
	}
	if r.Baud <= 0 {
		r.Baud = 115200
	}
	if len(r.Channels) == 0 {
		r.Channels = append([]uint8(nil), radio.Channels...)
	}
	if r.ScanWindow <= 0 {
		r.ScanWindow = Duration(100 * time.Millisecond)
	}
	if r.CheckInWindow <= 0 {
		r.CheckInWindow = Duration(250 * time.Millisecond)
	}
	if r.BlockWindow <= 0 {
		r.BlockWindow = Duration(600 * time.Millisecond)
	}
	if r.AckWindow <= 0 {
		r.AckWindow = Duration(100 * time.Millisecond)
	}

	if c.Tag.HWType == 0 {
		c.Tag.HWType = 0x35
	}
	if c.Tag.SWVersion == 0 {
		c.Tag.SWVersion = 0x0001
	}

	p := &c.Panel
	if p.SPIPort == "" {
		p.SPIPort = "/dev/spidev0.0"
	}
	if p.SpeedHz <= 0 {
		p.SpeedHz = 4_000_000
	}
	if p.DCPin == "" {
		p.DCPin = "GPIO25"
	}
	if p.RSTPin == "" {
		p.RSTPin = "GPIO17"
	}
	if p.BusyPin == "" {
		p.BusyPin = "GPIO24"
		p.BusyActiveLow = true
	}
	if p.InitTimeout <= 0 {
		p.InitTimeout = Duration(5 * time.Second)
	}
	if p.RefreshTimeout <= 0 {
		p.RefreshTimeout = Duration(30 * time.Second)
	}

	if c.Schedule.CheckIn == "" {
		c.Schedule.CheckIn = "*/5 * * * *"
	}
	if c.Schedule.FailureBackoff <= 0 {
		c.Schedule.FailureBackoff = Duration(30 * time.Second)
	}

	if c.Store.Dir == "" {
		c.Store.Dir = "/var/lib/epdtag"
	}
	if c.Store.Slots <= 0 {
		c.Store.Slots = 3
	}
}

// ParseMAC parses Radio.MAC. An empty string yields a MAC derived from the
// hostname so that every dev host gets a stable address.
func (c *Config) ParseMAC() (proto.MAC, error) {
	if strings.TrimSpace(c.Radio.MAC) == "" {
		host, _ := os.Hostname()
		m := proto.MAC{0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
		for i, ch := range []byte(host) {
			m[3+i%5] ^= ch
		}
		return m, nil
	}
	m, err := proto.ParseMAC(c.Radio.MAC)
	if err != nil {
		return m, fmt.Errorf("config: radio.mac: %w", err)
	}
	return m, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if _, err := cfg.ParseMAC(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".epdtag-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
