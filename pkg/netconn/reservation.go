package netconn

import (
	"net"
	"time"
)

// reservationGrace keeps a single-use reservation alive between the IP
// check at accept and the key check that consumes it.
const reservationGrace = 2 * time.Second

// AnyIP matches every client address.
const AnyIP = "*"

// Reservation pre-authorizes a client key, optionally bound to one IP.
type Reservation struct {
	Key       string
	IP        string
	Expires   time.Time // zero never expires
	SingleUse bool
}

func (r Reservation) expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

func (r Reservation) matchesIP(ip string) bool {
	if r.IP == AnyIP || r.IP == ip {
		return true
	}
	a, b := net.ParseIP(r.IP), net.ParseIP(ip)
	return a != nil && b != nil && a.Equal(b)
}

type reservationOptions struct {
	ip        string
	ttl       time.Duration
	singleUse bool
}

// ReservationOption customizes ExpectClient.
type ReservationOption func(*reservationOptions)

// FromIP restricts the reservation to one client address.
func FromIP(ip string) ReservationOption {
	return func(o *reservationOptions) {
		if ip != "" {
			o.ip = ip
		}
	}
}

// WithTTL expires the reservation after ttl. A non-positive ttl never
// expires.
func WithTTL(ttl time.Duration) ReservationOption {
	return func(o *reservationOptions) { o.ttl = ttl }
}

// SingleUse consumes the reservation on its first successful handshake.
func SingleUse() ReservationOption {
	return func(o *reservationOptions) { o.singleUse = true }
}

// reservationTable is scanned linearly; expired entries are purged lazily
// whenever it is consulted.
type reservationTable struct {
	entries []Reservation
}

// add stores r in the first expired slot, or appends it.
func (t *reservationTable) add(r Reservation, now time.Time) {
	for i := range t.entries {
		if t.entries[i].expired(now) {
			t.entries[i] = r
			return
		}
	}
	t.entries = append(t.entries, r)
}

func (t *reservationTable) purge(now time.Time) {
	kept := t.entries[:0]
	for _, r := range t.entries {
		if !r.expired(now) {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = Reservation{}
	}
	t.entries = kept
}

// matchIP reports whether any live reservation admits ip. Matching
// single-use entries get at least the grace window to receive their key.
func (t *reservationTable) matchIP(ip string, now time.Time) bool {
	t.purge(now)
	found := false
	for i := range t.entries {
		r := &t.entries[i]
		if !r.matchesIP(ip) {
			continue
		}
		found = true
		if r.SingleUse && !r.Expires.IsZero() {
			if grace := now.Add(reservationGrace); r.Expires.Before(grace) {
				r.Expires = grace
			}
		}
	}
	return found
}

// matchKey reports whether a live reservation admits key from ip and
// consumes it when single-use.
func (t *reservationTable) matchKey(key, ip string, now time.Time) bool {
	t.purge(now)
	for i, r := range t.entries {
		if r.Key != key || !r.matchesIP(ip) {
			continue
		}
		if r.SingleUse {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
		}
		return true
	}
	return false
}

func (t *reservationTable) len() int { return len(t.entries) }

func (t *reservationTable) snapshot() []Reservation {
	return append([]Reservation(nil), t.entries...)
}
