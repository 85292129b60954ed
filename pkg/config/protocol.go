package config

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolConfig holds wire protocol options.
type ProtocolConfig struct {
	// Version is the protocol version we offer during the handshake.
	Version int `mapstructure:"version" yaml:"version"`
	// Format for structured messages: json or cbor
	Format string `mapstructure:"format" yaml:"format"`
	// MaxFrameBytes caps a single inbound frame; 0 means unlimited.
	MaxFrameBytes int `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}

func (p *ProtocolConfig) validate() error {
	if p.Version < 0 {
		return fmt.Errorf("invalid protocol.version: %d", p.Version)
	}
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	switch p.Format {
	case "":
		p.Format = "json"
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid protocol.format: %q", p.Format)
	}
	if p.MaxFrameBytes < 0 {
		p.MaxFrameBytes = 0
	}
	return nil
}

// ReservationConfig pre-authorizes a client key.
// Example YAML:
// reservations:
//   - key: "abc"
//     ip: "10.0.0.5"
//     ttl_seconds: 60
//     single_use: true
type ReservationConfig struct {
	Key string `mapstructure:"key" yaml:"key"`
	// IP is "*" or an exact address.
	IP string `mapstructure:"ip" yaml:"ip"`
	// TTLSeconds of -1 (or 0, the YAML zero value) never expires.
	TTLSeconds int  `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	SingleUse  bool `mapstructure:"single_use" yaml:"single_use"`
}

// TTL returns the reservation lifetime; negative means forever.
func (r ReservationConfig) TTL() time.Duration {
	if r.TTLSeconds <= 0 {
		return -1
	}
	return time.Duration(r.TTLSeconds) * time.Second
}

func (r *ReservationConfig) validate() error {
	if r.Key == "" {
		return fmt.Errorf("key is required")
	}
	if strings.TrimSpace(r.IP) == "" {
		r.IP = "*"
	}
	return nil
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable" yaml:"enable"`
	Listen    string `mapstructure:"listen" yaml:"listen"`
	Path      string `mapstructure:"path" yaml:"path"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// RelayConfig limits how fast one peer's best-effort messages are relayed
// to the others. Reliable messages are never limited.
type RelayConfig struct {
	// BestEffortRate in messages per second per sender; 0 disables the limit.
	BestEffortRate  int `mapstructure:"best_effort_rate" yaml:"best_effort_rate"`
	BestEffortBurst int `mapstructure:"best_effort_burst" yaml:"best_effort_burst"`
}
