// Package config provides YAML-based configuration loading for pdg-node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name reported in logs
	AppName string `mapstructure:"app_name" yaml:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Server configures the listening side
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Client configures outbound connections
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// Datagram tunes the best-effort side channel
	Datagram DatagramConfig `mapstructure:"datagram" yaml:"datagram"`

	// Protocol holds wire protocol options
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`

	// Reservations are loaded into the server at startup
	Reservations []ReservationConfig `mapstructure:"reservations" yaml:"reservations"`

	// Metrics controls the prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Relay tunes the serve command's message relay
	Relay RelayConfig `mapstructure:"relay" yaml:"relay"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "pdg-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pdg.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			ListenAddress:      "0.0.0.0",
			ListenPort:         5000,
			MaxPortAttempts:    100,
			AllowDatagram:      true,
			HandshakeTimeoutMS: 5000,
			Transport:          "tcp",
			WSPath:             "/pdg",
		},
		Client: ClientConfig{
			Address:       "127.0.0.1:5000",
			AllowDatagram: true,
			Transport:     "tcp",
			DialTimeoutMS: 10000,
		},
		Datagram: DatagramConfig{
			MaxProbes:       100,
			ProbeIntervalMS: 500,
			ProbeBackoffMS:  100,
			MaxPayload:      1400,
		},
		Protocol: ProtocolConfig{
			Version:       1,
			Format:        "json",
			MaxFrameBytes: 16 << 20,
		},
		Metrics: MetricsConfig{
			Enable:    false,
			Listen:    ":9100",
			Path:      "/metrics",
			Namespace: "pdg",
		},
		Relay: RelayConfig{
			BestEffortRate:  60,
			BestEffortBurst: 120,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PDG and `.`/`-` are replaced with `_`.
// Example: PDG_SERVER_LISTEN_PORT=6000
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PDG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.listen_address", cfg.Server.ListenAddress)
	v.SetDefault("server.listen_port", cfg.Server.ListenPort)
	v.SetDefault("server.fixed_port", cfg.Server.FixedPort)
	v.SetDefault("server.max_port_attempts", cfg.Server.MaxPortAttempts)
	v.SetDefault("server.allow_datagram", cfg.Server.AllowDatagram)
	v.SetDefault("server.reservation_required", cfg.Server.ReservationRequired)
	v.SetDefault("server.handshake_timeout_ms", cfg.Server.HandshakeTimeoutMS)
	v.SetDefault("server.transport", cfg.Server.Transport)
	v.SetDefault("server.ws_path", cfg.Server.WSPath)
	v.SetDefault("client.address", cfg.Client.Address)
	v.SetDefault("client.key", cfg.Client.Key)
	v.SetDefault("client.allow_datagram", cfg.Client.AllowDatagram)
	v.SetDefault("client.transport", cfg.Client.Transport)
	v.SetDefault("client.dial_timeout_ms", cfg.Client.DialTimeoutMS)
	v.SetDefault("datagram.max_probes", cfg.Datagram.MaxProbes)
	v.SetDefault("datagram.probe_interval_ms", cfg.Datagram.ProbeIntervalMS)
	v.SetDefault("datagram.probe_backoff_ms", cfg.Datagram.ProbeBackoffMS)
	v.SetDefault("datagram.max_payload", cfg.Datagram.MaxPayload)
	v.SetDefault("protocol.version", cfg.Protocol.Version)
	v.SetDefault("protocol.format", cfg.Protocol.Format)
	v.SetDefault("protocol.max_frame_bytes", cfg.Protocol.MaxFrameBytes)
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
	v.SetDefault("relay.best_effort_rate", cfg.Relay.BestEffortRate)
	v.SetDefault("relay.best_effort_burst", cfg.Relay.BestEffortBurst)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("PDG_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `pdg`
		v.SetConfigName("pdg")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pdg"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Client.validate(); err != nil {
		return err
	}
	if err := c.Datagram.validate(); err != nil {
		return err
	}
	if err := c.Protocol.validate(); err != nil {
		return err
	}
	for i := range c.Reservations {
		if err := c.Reservations[i].validate(); err != nil {
			return fmt.Errorf("reservations[%d]: %w", i, err)
		}
	}
	if c.Relay.BestEffortRate < 0 || c.Relay.BestEffortBurst < 0 {
		return fmt.Errorf("relay rates must not be negative")
	}
	if strings.TrimSpace(c.Metrics.Namespace) == "" {
		c.Metrics.Namespace = "pdg"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
