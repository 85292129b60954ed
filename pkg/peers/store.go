package peers

import (
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/memkv"
)

const keyPrefix = "conn:"

// DefaultLinger is how long a closed connection stays listed.
const DefaultLinger = 5 * time.Minute

// Store keeps one Record per connection in the in-memory KV so the admin
// endpoint can list live and recently closed peers.
type Store struct {
	kv     *memkv.Store
	linger time.Duration
}

func NewStore(kv *memkv.Store, linger time.Duration) *Store {
	if linger <= 0 {
		linger = DefaultLinger
	}
	return &Store{kv: kv, linger: linger}
}

// Record describes one connection as seen from this node.
type Record struct {
	ID          string `json:"id"`
	Remote      string `json:"remote"`
	Local       string `json:"local,omitempty"`
	Role        string `json:"role"`
	Transport   string `json:"transport"`
	Version     int    `json:"version"`
	State       string `json:"state"`
	Datagram    bool   `json:"datagram"`
	MsgsIn      uint64 `json:"msgs_in"`
	MsgsOut     uint64 `json:"msgs_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	ConnectedAt int64  `json:"connected_at_unix_ms,omitempty"`
	LastSeen    int64  `json:"last_seen_unix_ms"`
	ClosedAt    int64  `json:"closed_at_unix_ms,omitempty"`
	ExpiresIn   int64  `json:"expires_in_ms,omitempty"`
}

func keyOf(id string) string { return keyPrefix + id }

// Upsert stores a live record; it does not expire while the connection lives.
func (s *Store) Upsert(r Record) {
	if s == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		zap.L().Warn("peer record encode failed", zap.String("id", r.ID), zap.Error(err))
		return
	}
	s.kv.Set(keyOf(r.ID), b, 0)
	zap.L().Debug("peer upsert", zap.String("id", r.ID), zap.String("state", r.State))
}

// Closed stores the final record of a connection and lets it expire.
func (s *Store) Closed(r Record) {
	if s == nil {
		return
	}
	if r.ClosedAt == 0 {
		r.ClosedAt = time.Now().UnixMilli()
	}
	b, err := json.Marshal(r)
	if err != nil {
		zap.L().Warn("peer record encode failed", zap.String("id", r.ID), zap.Error(err))
		return
	}
	s.kv.Set(keyOf(r.ID), b, s.linger)
}

func (s *Store) Get(id string) (Record, bool) {
	var r Record
	if s == nil {
		return r, false
	}
	b, ok := s.kv.Get(keyOf(id))
	if !ok {
		return r, false
	}
	if err := json.Unmarshal(b, &r); err != nil {
		zap.L().Warn("peer record decode failed", zap.String("id", id), zap.Error(err))
		return r, false
	}
	if ttl, ok := s.kv.TTL(keyOf(id)); ok && ttl > 0 {
		r.ExpiresIn = ttl.Milliseconds()
	}
	return r, true
}

func (s *Store) Delete(id string) bool {
	if s == nil {
		return false
	}
	return s.kv.Delete(keyOf(id))
}

// List returns all records ordered by ID.
func (s *Store) List() []Record {
	if s == nil {
		return nil
	}
	keys := s.kv.Keys(keyPrefix)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := s.Get(k[len(keyPrefix):]); ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
