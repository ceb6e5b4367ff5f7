package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderMode selects how the connection method is chosen.
type ProviderMode string

const (
	ModeAuto        ProviderMode = "auto"
	ModePipe        ProviderMode = "pipe"
	ModeLineMonitor ProviderMode = "line_monitor"
	ModeBrowserExt  ProviderMode = "browser_extension"
)

type Config struct {
	Provider    ProviderConfig    `yaml:"provider"`
	Pipe        PipeConfig        `yaml:"pipe"`
	LineMonitor LineMonitorConfig `yaml:"line_monitor"`
	BrowserExt  BrowserExtConfig  `yaml:"browser_extension"`
	Phone       PhoneConfig       `yaml:"phone"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Routing     RoutingConfig     `yaml:"routing"`
	History     HistoryConfig     `yaml:"history"`
	Journal     JournalConfig     `yaml:"journal"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Log         LogConfig         `yaml:"log"`
}

type ProviderConfig struct {
	// Mode is one of auto, pipe, line_monitor, browser_extension.
	Mode ProviderMode `yaml:"mode"`
	// SelectTimeout bounds one full auto-detection pass.
	SelectTimeout time.Duration `yaml:"select_timeout"`
	// ProbeTimeout bounds a single provider probe within a pass.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// ReconnectDelay is the pause between reconnect cycles.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type PipeConfig struct {
	// Network is "unix" or "tcp"; the Go rendition of the named pipe.
	Network string `yaml:"network"`
	Address string `yaml:"address"`
	// ReplyTimeout bounds how long MakeCall/DropCall wait for the peer's answer.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

type LineMonitorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ConnectTimeout bounds the dial to the driver service.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type BrowserExtConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// ReplyTimeout bounds how long MakeCall waits for the extension's answer.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

type PhoneConfig struct {
	// DefaultCountry is the country code prepended to national numbers, without "+".
	DefaultCountry string `yaml:"default_country"`
}

type TrackerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// StaleActive evicts active calls that never saw a terminal event.
	StaleActive time.Duration `yaml:"stale_active"`
	// StalePending evicts dial attempts that never matched a transport call.
	StalePending time.Duration `yaml:"stale_pending"`
}

type RoutingConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type HistoryConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

type JournalConfig struct {
	Enabled  bool `yaml:"enabled"`
	Outbound bool `yaml:"outbound"`
	// ReshowDelay is how long after connect the contact correction is offered.
	ReshowDelay time.Duration `yaml:"reshow_delay"`
}

type NotifierConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
}

type MonitorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (l *LineMonitorConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (b *BrowserExtConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Mode:           ModeAuto,
			SelectTimeout:  30 * time.Second,
			ProbeTimeout:   5 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Pipe: PipeConfig{
			Network:      "unix",
			Address:      "/var/run/datev-connector/pipe.sock",
			ReplyTimeout: 5 * time.Second,
		},
		LineMonitor: LineMonitorConfig{
			Host:           "127.0.0.1",
			Port:           5039,
			ConnectTimeout: 5 * time.Second,
		},
		BrowserExt: BrowserExtConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         8765,
			ReplyTimeout: 5 * time.Second,
		},
		Phone: PhoneConfig{
			DefaultCountry: "49",
		},
		Tracker: TrackerConfig{
			SweepInterval: time.Minute,
			StaleActive:   4 * time.Hour,
			StalePending:  3 * time.Minute,
		},
		Routing: RoutingConfig{
			TTL:           30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		History: HistoryConfig{
			MaxEntries: 50,
			MaxAge:     24 * time.Hour,
		},
		Journal: JournalConfig{
			Enabled:     true,
			Outbound:    false,
			ReshowDelay: 10 * time.Second,
		},
		Notifier: NotifierConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			ProbeInterval:    5 * time.Second,
			RetryAttempts:    3,
			RetryDelay:       250 * time.Millisecond,
			RetryMaxDelay:    2 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "datev-connector",
			TopicPrefix: "datev",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. It is called fresh on every reconnect cycle so
// configuration changes take effect without a restart.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	overrideWithEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideWithEnv lets deployment-sensitive values come from the environment.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("DATEVCONN_PROVIDER_MODE"); v != "" {
		cfg.Provider.Mode = ProviderMode(v)
	}
	if v := os.Getenv("DATEVCONN_PIPE_ADDRESS"); v != "" {
		cfg.Pipe.Address = v
	}
	if v := os.Getenv("DATEVCONN_LINEMON_HOST"); v != "" {
		cfg.LineMonitor.Host = v
	}
	if v := os.Getenv("DATEVCONN_MONITOR_BROKER"); v != "" {
		cfg.Monitor.Broker = v
	}
	if v := os.Getenv("DATEVCONN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) validate() error {
	switch c.Provider.Mode {
	case ModeAuto, ModePipe, ModeLineMonitor, ModeBrowserExt:
	default:
		return fmt.Errorf("provider.mode must be auto, pipe, line_monitor or browser_extension, got %q", c.Provider.Mode)
	}
	if c.Provider.Mode == ModeBrowserExt && !c.BrowserExt.Enabled {
		return fmt.Errorf("provider.mode is browser_extension but browser_extension.enabled is false")
	}
	if c.Pipe.Network != "unix" && c.Pipe.Network != "tcp" {
		return fmt.Errorf("pipe.network must be unix or tcp, got %q", c.Pipe.Network)
	}
	if c.Pipe.Address == "" {
		return fmt.Errorf("pipe.address is required")
	}
	if c.LineMonitor.Port < 1 || c.LineMonitor.Port > 65535 {
		return fmt.Errorf("line_monitor.port must be between 1 and 65535, got %d", c.LineMonitor.Port)
	}
	if c.BrowserExt.Enabled && (c.BrowserExt.Port < 1 || c.BrowserExt.Port > 65535) {
		return fmt.Errorf("browser_extension.port must be between 1 and 65535, got %d", c.BrowserExt.Port)
	}
	if c.Phone.DefaultCountry == "" {
		return fmt.Errorf("phone.default_country is required")
	}
	if c.Tracker.SweepInterval <= 0 || c.Tracker.StaleActive <= 0 || c.Tracker.StalePending <= 0 {
		return fmt.Errorf("tracker intervals must be positive")
	}
	if c.History.MaxEntries < 1 {
		return fmt.Errorf("history.max_entries must be at least 1, got %d", c.History.MaxEntries)
	}
	if c.Notifier.FailureThreshold < 1 {
		return fmt.Errorf("notifier.failure_threshold must be at least 1, got %d", c.Notifier.FailureThreshold)
	}
	if c.Monitor.Enabled {
		if c.Monitor.Broker == "" {
			return fmt.Errorf("monitor.broker is required when monitor is enabled")
		}
		if c.Monitor.ClientID == "" {
			return fmt.Errorf("monitor.client_id is required when monitor is enabled")
		}
	}
	return nil
}
