package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerConfig describes the listening endpoint and its admission policy.
type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port" yaml:"listen_port"`
	// FixedPort disables the bind-conflict retry on the next port up.
	FixedPort bool `mapstructure:"fixed_port" yaml:"fixed_port"`
	// MaxPortAttempts bounds how far above ListenPort the retry may go.
	MaxPortAttempts     int  `mapstructure:"max_port_attempts" yaml:"max_port_attempts"`
	AllowDatagram       bool `mapstructure:"allow_datagram" yaml:"allow_datagram"`
	ReservationRequired bool `mapstructure:"reservation_required" yaml:"reservation_required"`
	// HandshakeTimeoutMS of 0 disables the handshake timer.
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	// Transport: tcp, quic, ws, winpipe
	Transport string `mapstructure:"transport" yaml:"transport"`
	// WSPath is the upgrade path used by the ws transport.
	WSPath string `mapstructure:"ws_path" yaml:"ws_path"`
}

// HandshakeTimeout returns HandshakeTimeoutMS as a duration.
func (s ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutMS) * time.Millisecond
}

func (s *ServerConfig) validate() error {
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return fmt.Errorf("invalid server.listen_port: %d", s.ListenPort)
	}
	if s.MaxPortAttempts < 0 {
		s.MaxPortAttempts = 0
	}
	if s.HandshakeTimeoutMS < 0 {
		return fmt.Errorf("invalid server.handshake_timeout_ms: %d", s.HandshakeTimeoutMS)
	}
	kind, err := normalizeTransport(s.Transport)
	if err != nil {
		return fmt.Errorf("server.transport: %w", err)
	}
	s.Transport = kind
	if s.WSPath == "" {
		s.WSPath = "/pdg"
	}
	return nil
}

// ClientConfig describes the outbound side.
type ClientConfig struct {
	Address       string `mapstructure:"address" yaml:"address"`
	Key           string `mapstructure:"key" yaml:"key"`
	AllowDatagram bool   `mapstructure:"allow_datagram" yaml:"allow_datagram"`
	Transport     string `mapstructure:"transport" yaml:"transport"`
	DialTimeoutMS int    `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
}

// DialTimeout returns DialTimeoutMS as a duration.
func (c ClientConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

func (c *ClientConfig) validate() error {
	kind, err := normalizeTransport(c.Transport)
	if err != nil {
		return fmt.Errorf("client.transport: %w", err)
	}
	c.Transport = kind
	if c.DialTimeoutMS <= 0 {
		c.DialTimeoutMS = 10000
	}
	return nil
}

// DatagramConfig tunes the probe exchange that brings up the best-effort path.
type DatagramConfig struct {
	MaxProbes       int `mapstructure:"max_probes" yaml:"max_probes"`
	ProbeIntervalMS int `mapstructure:"probe_interval_ms" yaml:"probe_interval_ms"`
	// ProbeBackoffMS is added to the interval once per attempt made.
	ProbeBackoffMS int `mapstructure:"probe_backoff_ms" yaml:"probe_backoff_ms"`
	// MaxPayload: larger best-effort messages are sent reliably.
	MaxPayload int `mapstructure:"max_payload" yaml:"max_payload"`
}

func (d DatagramConfig) ProbeInterval() time.Duration {
	return time.Duration(d.ProbeIntervalMS) * time.Millisecond
}

func (d DatagramConfig) ProbeBackoff() time.Duration {
	return time.Duration(d.ProbeBackoffMS) * time.Millisecond
}

func (d *DatagramConfig) validate() error {
	if d.MaxProbes < 0 || d.ProbeIntervalMS < 0 || d.ProbeBackoffMS < 0 {
		return fmt.Errorf("datagram settings must not be negative")
	}
	if d.MaxPayload <= 0 {
		d.MaxPayload = 1400
	}
	return nil
}

func normalizeTransport(kind string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case "":
		return "tcp", nil
	case "tcp", "quic", "ws", "winpipe":
		return kind, nil
	default:
		return "", fmt.Errorf("unknown transport %q", kind)
	}
}
