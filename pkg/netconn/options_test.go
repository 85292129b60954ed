package netconn

import (
	"testing"
	"time"

	"github.com/ezavada/pdg-node/pkg/config"
	"github.com/ezavada/pdg-node/pkg/protocol/codec"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol.Format = "cbor"
	cfg.Protocol.Version = 3
	cfg.Datagram.MaxProbes = 7
	cfg.Datagram.ProbeIntervalMS = 250
	opts, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	s := newSettings(opts)
	if s.version != 3 || s.maxProbes != 7 || s.probeInterval != 250*time.Millisecond {
		t.Fatalf("settings %+v", s)
	}
	b, err := s.serializer.Marshal(map[string]int{"a": 1})
	if err != nil || b[0] != codec.TagCBOR {
		t.Fatalf("structured values not encoded as cbor: %v %q", err, b)
	}
}

func TestServerConfigFrom(t *testing.T) {
	c := config.Default().Server
	c.HandshakeTimeoutMS = 0
	c.ReservationRequired = true
	got := ServerConfigFrom(c)
	if got.HandshakeTimeout != 0 || !got.ReservationRequired || got.ListenPort != 5000 || got.MaxPortAttempts != 100 {
		t.Fatalf("server config %+v", got)
	}
}

func TestReservationOptions(t *testing.T) {
	apply := func(r config.ReservationConfig) reservationOptions {
		o := reservationOptions{ip: AnyIP}
		for _, opt := range ReservationOptions(r) {
			opt(&o)
		}
		return o
	}
	o := apply(config.ReservationConfig{Key: "k", IP: "10.0.0.5", TTLSeconds: 60, SingleUse: true})
	if o.ip != "10.0.0.5" || o.ttl != time.Minute || !o.singleUse {
		t.Fatalf("options %+v", o)
	}
	o = apply(config.ReservationConfig{Key: "k", TTLSeconds: -1})
	if o.ip != AnyIP || o.ttl != 0 || o.singleUse {
		t.Fatalf("options %+v", o)
	}
}
