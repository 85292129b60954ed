package memkv

import (
	"container/heap"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	Shards   int    // number of shards (default 64)
	MaxBytes uint64 // cap on the total size of stored values (0 = unlimited)
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	return o
}

type Store struct {
	opts    Options
	shards  []shard
	expq    *expQueue
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	nowFn   func() time.Time

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store { return newStore(opts, time.Now) }

func newStore(opts Options, now func() time.Time) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		expq:    &expQueue{},
		closeCh: make(chan struct{}),
		nowFn:   now,
	}
	s.expq.cond = sync.NewCond(&s.expq.mu)
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.expirer()
	return s
}

// Close stops the expirer. The store stays readable afterwards.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.closeCh)
		s.expq.mu.Lock()
		s.expq.cond.Broadcast()
		s.expq.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) reserve(delta uint64) bool {
	if s.opts.MaxBytes == 0 {
		s.mBytes.Add(delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		if cur+delta > s.opts.MaxBytes {
			return false
		}
		if s.mBytes.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

func (s *Store) release(n int) {
	if n <= 0 {
		return
	}
	for {
		cur := s.mBytes.Load()
		next := uint64(0)
		if uint64(n) < cur {
			next = cur - uint64(n)
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}

// removeLocked drops key from sh; the caller holds sh.mu.
func (s *Store) removeLocked(sh *shard, key string, e *entry, expired bool) {
	delete(sh.m, key)
	s.mKeys.Add(^uint64(0))
	s.release(len(e.val))
	if expired {
		s.mExpired.Add(1)
	} else {
		s.mDels.Add(1)
	}
}

// Set stores a copy of val. A non-positive ttl never expires. It reports
// false when the write would exceed MaxBytes.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	now := s.nowFn()
	var expAt int64
	if ttl > 0 {
		expAt = now.Add(ttl).UnixNano()
	}
	v := clone(val)

	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	oldLen := 0
	if existed {
		oldLen = len(prev.val)
	}
	if delta := len(v) - oldLen; delta > 0 {
		if !s.reserve(uint64(delta)) {
			sh.mu.Unlock()
			return false
		}
	} else {
		s.release(-delta)
	}
	sh.m[key] = &entry{val: v, expireAt: expAt}
	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	sh.mu.Unlock()

	if expAt != 0 {
		s.enqueue(key, expAt)
	}
	return true
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mGets.Add(1)
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if ok && !e.expired(s.nowFn().UnixNano()) {
		v := clone(e.val)
		sh.mu.RUnlock()
		s.mHits.Add(1)
		return v, true
	}
	sh.mu.RUnlock()
	if ok {
		s.expireKey(key)
	}
	s.mMisses.Add(1)
	return nil, false
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok {
		s.removeLocked(sh, key, e, false)
	}
	return ok
}

// TTL returns the remaining lifetime. A key without TTL reports 0, true.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	var exp int64
	if ok {
		exp = e.expireAt
	}
	sh.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if exp == 0 {
		return 0, true
	}
	now := s.nowFn().UnixNano()
	if exp <= now {
		s.expireKey(key)
		return 0, false
	}
	return time.Duration(exp - now), true
}

// Keys returns the live keys starting with prefix, in no particular order.
func (s *Store) Keys(prefix string) []string {
	now := s.nowFn().UnixNano()
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if !e.expired(now) && strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Store) expireKey(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.expired(s.nowFn().UnixNano()) {
		s.removeLocked(sh, key, e, true)
	}
	sh.mu.Unlock()
}

// Stats is a point-in-time snapshot of the store counters.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
	}
}

type expItem struct {
	when int64
	key  string
}

type expItems []expItem

func (q expItems) Len() int           { return len(q) }
func (q expItems) Less(i, j int) bool { return q[i].when < q[j].when }
func (q expItems) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expItems) Push(x any)        { *q = append(*q, x.(expItem)) }
func (q *expItems) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

type expQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items expItems
}

// enqueue schedules a deadline check. Stale items (key rewritten or given a
// later TTL) are skipped by the expirer.
func (s *Store) enqueue(key string, when int64) {
	s.expq.mu.Lock()
	heap.Push(&s.expq.items, expItem{when: when, key: key})
	s.expq.cond.Broadcast()
	s.expq.mu.Unlock()
}

func (s *Store) closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

func (s *Store) expirer() {
	defer s.wg.Done()
	for {
		s.expq.mu.Lock()
		for s.expq.items.Len() == 0 {
			if s.closed() {
				s.expq.mu.Unlock()
				return
			}
			s.expq.cond.Wait()
		}
		if s.closed() {
			s.expq.mu.Unlock()
			return
		}
		it := s.expq.items[0]
		now := s.nowFn().UnixNano()
		if it.when > now {
			s.expq.mu.Unlock()
			timer := time.NewTimer(time.Duration(it.when - now))
			select {
			case <-timer.C:
			case <-s.closeCh:
				timer.Stop()
				return
			}
			continue
		}
		heap.Pop(&s.expq.items)
		s.expq.mu.Unlock()
		s.expireKey(it.key)
	}
}
