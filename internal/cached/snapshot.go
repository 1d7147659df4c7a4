package cached

import (
	"encoding/gob"
	"fmt"
	"os"
	"time"
)

// Cache entries survive a graceful restart through a snapshot written beside
// the socket; leases never do. The write is atomic (temp file + rename) so a
// crash mid-write leaves either the old snapshot or none.

type snapshotEntry struct {
	Value      []byte
	TTL        time.Duration
	ExpireAt   time.Time
	LastAccess time.Time
}

func (s *store) writeSnapshot(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot create: %w", err)
	}

	out := make(map[string]snapshotEntry, len(s.entries))
	for k, e := range s.entries {
		out[k] = snapshotEntry{
			Value:      e.value,
			TTL:        e.ttl,
			ExpireAt:   e.expireAt,
			LastAccess: e.lastAccess,
		}
	}
	if err := gob.NewEncoder(f).Encode(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot close: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadSnapshot restores non-expired entries and deletes the snapshot file
// unconditionally. If the restored total still exceeds the budget, eviction
// runs once.
func (s *store) loadSnapshot(path string, now time.Time) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot open: %w", err)
	}
	defer os.Remove(path)
	defer f.Close()

	var in map[string]snapshotEntry
	if err := gob.NewDecoder(f).Decode(&in); err != nil {
		return fmt.Errorf("snapshot decode: %w", err)
	}

	for k, se := range in {
		if !se.ExpireAt.After(now) {
			continue
		}
		e := &entry{
			value:      se.Value,
			size:       entrySize(k, se.Value),
			ttl:        se.TTL,
			expireAt:   se.ExpireAt,
			lastAccess: se.LastAccess,
		}
		s.entries[k] = e
		s.totalBytes += e.size
	}
	if s.totalBytes > s.maxCacheBytes {
		s.evict(now)
	}
	return nil
}
