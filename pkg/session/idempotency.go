package session

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrKeyConflict is returned when an Idempotency-Key is reused with a
// request body that hashes differently from the original.
var ErrKeyConflict = errors.New("idempotency key reused with a different request")

// keySweepLimit bounds the entry map; inserts past it trigger an inline
// sweep of expired entries.
const keySweepLimit = 8192

// OriginateKeys deduplicates originate retries by Idempotency-Key. Entries
// pair the key with the request body hash; concurrent retries of the same
// key collapse onto one dial. The cache is in-memory: every live call is
// owned by this process, so a restart drops the dedupe history together
// with the calls it guarded.
type OriginateKeys struct {
	mu      sync.Mutex
	entries map[string]originateEntry
	flight  singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

type originateEntry struct {
	hash    string
	callSID string
	at      time.Time
}

// NewOriginateKeys returns a key cache whose entries expire after ttl.
func NewOriginateKeys(ttl time.Duration) *OriginateKeys {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &OriginateKeys{
		entries: make(map[string]originateEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Do runs originate under key. A repeated key replays the stored call SID
// instead of dialing again; a repeated key with a different body hash
// returns ErrKeyConflict. An empty key disables deduplication. Failed
// originates are not remembered, so the client may retry the same key.
func (k *OriginateKeys) Do(key, hash string, originate func() (string, error)) (callSID string, replayed bool, err error) {
	if key == "" {
		sid, err := originate()
		return sid, false, err
	}

	k.mu.Lock()
	if e, ok := k.entries[key]; ok && k.now().Sub(e.at) < k.ttl {
		k.mu.Unlock()
		if e.hash != hash {
			return "", false, ErrKeyConflict
		}
		return e.callSID, true, nil
	}
	if len(k.entries) > keySweepLimit {
		k.sweepLocked(k.now())
	}
	k.mu.Unlock()

	v, err, shared := k.flight.Do(key, func() (any, error) {
		sid, err := originate()
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.entries[key] = originateEntry{hash: hash, callSID: sid, at: k.now()}
		k.mu.Unlock()
		return sid, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), shared, nil
}

// Sweep drops expired entries and returns how many were removed.
func (k *OriginateKeys) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sweepLocked(k.now())
}

func (k *OriginateKeys) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range k.entries {
		if now.Sub(e.at) >= k.ttl {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}
