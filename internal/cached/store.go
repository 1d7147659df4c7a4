package cached

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Default limits. The daemon is a side-cache: a hard value cap plus
// size-biased eviction makes the OOM path structurally impossible.
const (
	DefaultMaxValueBytes = 128 << 10
	DefaultMaxCacheBytes = 50 << 20
	DefaultTTL           = 7 * 24 * time.Hour
	DefaultLockTTL       = 60 * time.Second

	// evictTargetRatio is how far below the budget eviction drains.
	evictTargetRatio = 0.6
)

type entry struct {
	value      []byte
	size       int64
	ttl        time.Duration
	expireAt   time.Time
	lastAccess time.Time
}

type lease struct {
	owner    string
	token    string
	expireAt time.Time
}

// store owns all daemon state. It is not goroutine-safe: the event loop is
// its only caller, which is what makes every operation atomic to clients.
type store struct {
	maxValueBytes int
	maxCacheBytes int64
	defaultTTL    time.Duration

	entries    map[string]*entry
	leases     map[string]*lease
	totalBytes int64

	// counters since the last liveness tick
	evicted uint64
	expired uint64
	errors  uint64
	ops     uint64
}

func newStore(maxValueBytes int, maxCacheBytes int64, defaultTTL time.Duration) *store {
	if maxValueBytes <= 0 {
		maxValueBytes = DefaultMaxValueBytes
	}
	if maxCacheBytes <= 0 {
		maxCacheBytes = DefaultMaxCacheBytes
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &store{
		maxValueBytes: maxValueBytes,
		maxCacheBytes: maxCacheBytes,
		defaultTTL:    defaultTTL,
		entries:       make(map[string]*entry),
		leases:        make(map[string]*lease),
	}
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// get returns the value and slides the entry's expiry by its own TTL.
func (s *store) get(key string, now time.Time) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expireAt.After(now) {
		s.dropEntry(key, e)
		s.expired++
		return nil, false
	}
	e.expireAt = now.Add(e.ttl)
	e.lastAccess = now
	return e.value, true
}

// set stores the value, counting bytes and evicting when over budget.
// Returns false when the value exceeds the per-value cap.
func (s *store) set(key string, value []byte, ttl time.Duration, now time.Time) bool {
	if len(value) > s.maxValueBytes {
		return false
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if old, ok := s.entries[key]; ok {
		s.totalBytes -= old.size
	}
	e := &entry{
		value:      value,
		size:       entrySize(key, value),
		ttl:        ttl,
		expireAt:   now.Add(ttl),
		lastAccess: now,
	}
	s.entries[key] = e
	s.totalBytes += e.size
	if s.totalBytes > s.maxCacheBytes {
		s.evict(now)
	}
	return true
}

func (s *store) del(keys []string) int {
	n := 0
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			s.dropEntry(k, e)
			n++
		}
	}
	return n
}

func (s *store) dropEntry(key string, e *entry) {
	delete(s.entries, key)
	s.totalBytes -= e.size
}

// evict drains entries ordered by (-size, expire_at, last_access) until the
// total is at or below the eviction target. Biggest and soonest-expiring go
// first so small hot items survive.
func (s *store) evict(now time.Time) {
	target := int64(float64(s.maxCacheBytes) * evictTargetRatio)
	if s.totalBytes <= target {
		return
	}

	type victim struct {
		key string
		e   *entry
	}
	victims := make([]victim, 0, len(s.entries))
	for k, e := range s.entries {
		victims = append(victims, victim{k, e})
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i].e, victims[j].e
		if a.size != b.size {
			return a.size > b.size
		}
		if !a.expireAt.Equal(b.expireAt) {
			return a.expireAt.Before(b.expireAt)
		}
		return a.lastAccess.Before(b.lastAccess)
	})

	for _, v := range victims {
		if s.totalBytes <= target {
			break
		}
		s.dropEntry(v.key, v.e)
		s.evicted++
	}
}

// sweep removes expired cache entries and expired leases.
func (s *store) sweep(now time.Time) {
	for k, e := range s.entries {
		if !e.expireAt.After(now) {
			s.dropEntry(k, e)
			s.expired++
		}
	}
	for k, l := range s.leases {
		if !l.expireAt.After(now) {
			delete(s.leases, k)
		}
	}
}

// lockTry acquires a lease if the key is free or its holder has expired.
func (s *store) lockTry(key string, ttl time.Duration, owner string, now time.Time) (acquired bool, token, heldBy string) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if l, ok := s.leases[key]; ok && l.expireAt.After(now) {
		return false, "", l.owner
	}
	token = uuid.NewString()
	s.leases[key] = &lease{owner: owner, token: token, expireAt: now.Add(ttl)}
	return true, token, ""
}

// lockRenew extends a lease; the caller must present the issuing token.
func (s *store) lockRenew(key string, ttl time.Duration, token string, now time.Time) bool {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	l, ok := s.leases[key]
	if !ok || l.token != token || !l.expireAt.After(now) {
		return false
	}
	l.expireAt = now.Add(ttl)
	return true
}

// lockRelease frees a lease; token mismatch is refused.
func (s *store) lockRelease(key, token string) bool {
	l, ok := s.leases[key]
	if !ok || l.token != token {
		return false
	}
	delete(s.leases, key)
	return true
}

func (s *store) lockStatus(key string, now time.Time) (locked bool, owner string) {
	l, ok := s.leases[key]
	if !ok || !l.expireAt.After(now) {
		return false, ""
	}
	return true, l.owner
}

func (s *store) stats() *StatsSnapshot {
	return &StatsSnapshot{
		Items:      len(s.entries),
		Locks:      len(s.leases),
		TotalBytes: s.totalBytes,
		LimitBytes: s.maxCacheBytes,
		Evicted:    s.evicted,
		Expired:    s.expired,
		Errors:     s.errors,
		Ops:        s.ops,
	}
}

func (s *store) resetCounters() {
	s.evicted, s.expired, s.errors, s.ops = 0, 0, 0, 0
}
