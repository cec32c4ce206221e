// Package config loads the nicctl daemon configuration.
//
// The embedded default.toml is decoded first and the config file, if
// present, is decoded over it, so a file only needs the keys it
// changes. A missing file yields the defaults; a file that exists but
// does not parse is an error.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-nicctl"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is where the daemon looks when no path is given.
const DefaultConfigPath = "/etc/nicctl/nicctl.toml"

// Config is the top-level configuration.
type Config struct {
	Transport  TransportConfig  `toml:"transport"`
	Filter     FilterConfig     `toml:"filter"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Logging    LoggingConfig    `toml:"logging"`
	Server     ServerConfig     `toml:"server"`
	Emulator   EmulatorConfig   `toml:"emulator"`
}

// TransportConfig sets the command timeouts and the start-up probe.
type TransportConfig struct {
	ShortTimeout     Duration `toml:"short_timeout"`
	LongTimeout      Duration `toml:"long_timeout"`
	PostResetTimeout Duration `toml:"post_reset_timeout"`
	PollInterval     Duration `toml:"poll_interval"`
	// ProbeAttempts bounds the wait for the controller at start-up.
	ProbeAttempts int      `toml:"probe_attempts"`
	ProbeInterval Duration `toml:"probe_interval"`
	ProtocolMajor uint16   `toml:"protocol_major"`
	ProtocolMinor uint16   `toml:"protocol_minor"`
}

// FilterConfig sizes the filter table.
type FilterConfig struct {
	TableSize   int `toml:"table_size"`
	SearchLimit int `toml:"search_limit"`
	// AsyncLimit bounds asynchronous filter operations in flight.
	AsyncLimit int `toml:"async_limit"`
	// RSSQueues is the spread of the default RSS context.
	RSSQueues int `toml:"rss_queues"`
}

// DispatcherConfig controls completion polling.
type DispatcherConfig struct {
	Budget       int      `toml:"budget"`
	PollInterval Duration `toml:"poll_interval"`
	RingSize     int      `toml:"ring_size"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec such as "info" or "warn,transport=debug".
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Components is an alternative to per-component entries in
	// Level. It is ignored when Level names components.
	Components map[string]string `toml:"components"`
}

// ToSpec returns the log spec described by c.
func (c *LoggingConfig) ToSpec() string {
	if strings.Contains(c.Level, "=") || len(c.Components) == 0 {
		return c.Level
	}
	base := c.Level
	if base == "" {
		base = "info"
	}
	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := []string{base}
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// ServerConfig controls the daemon's listeners.
type ServerConfig struct {
	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `toml:"metrics_address"`
}

// EmulatorConfig describes the software controller used by tests and
// by "nicctl serve --emulate".
type EmulatorConfig struct {
	ProtocolMajor   uint16   `toml:"protocol_major"`
	ProtocolMinor   uint16   `toml:"protocol_minor"`
	FirmwareVersion string   `toml:"firmware_version"`
	MaxFilters      int      `toml:"max_filters"`
	MaxRSSContexts  int      `toml:"max_rss_contexts"`
	NumVIs          int      `toml:"num_vis"`
	PIOBuffers      int      `toml:"pio_buffers"`
	Latency         Duration `toml:"latency"`
	MatchList       []string `toml:"match_list"`
}

// Matches parses MatchList.
func (c *EmulatorConfig) Matches() ([]nicctl.MatchFields, error) {
	out := make([]nicctl.MatchFields, 0, len(c.MatchList))
	for _, s := range c.MatchList {
		m, err := nicctl.ParseMatchFields(s)
		if err != nil {
			return nil, fmt.Errorf("emulator match_list: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// DefaultConfig decodes the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path on the defaults. An empty path means
// DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	t := c.Transport
	if t.ShortTimeout.Duration <= 0 || t.LongTimeout.Duration < t.ShortTimeout.Duration {
		errs = append(errs, fmt.Errorf("transport: need 0 < short_timeout <= long_timeout"))
	}
	if t.PollInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("transport: poll_interval must be positive"))
	}
	if t.ProbeAttempts < 1 {
		errs = append(errs, fmt.Errorf("transport: probe_attempts must be at least 1"))
	}
	f := c.Filter
	if f.TableSize < 1 {
		errs = append(errs, fmt.Errorf("filter: table_size must be positive"))
	}
	if f.SearchLimit < 1 {
		errs = append(errs, fmt.Errorf("filter: search_limit must be positive"))
	}
	if f.AsyncLimit < 1 {
		errs = append(errs, fmt.Errorf("filter: async_limit must be positive"))
	}
	if f.RSSQueues < 1 {
		errs = append(errs, fmt.Errorf("filter: rss_queues must be positive"))
	}
	d := c.Dispatcher
	if d.Budget < 1 {
		errs = append(errs, fmt.Errorf("dispatcher: budget must be positive"))
	}
	if d.RingSize < 1 || d.RingSize&(d.RingSize-1) != 0 {
		errs = append(errs, fmt.Errorf("dispatcher: ring_size must be a power of two"))
	}
	if _, err := c.Emulator.Matches(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
