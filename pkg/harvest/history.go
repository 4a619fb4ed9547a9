package harvest

import (
	"sync"
	"time"
)

// History records the canonical URLs of runs whose logs were fully
// delivered. Entries are timestamped so old ones can be evicted once the
// run can no longer appear in upstream listings. Guarded by a mutex so a
// future parallel sweep keeps the delivered-at-most-once property.
type History struct {
	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

func NewHistory() *History {
	return &History{
		seen: map[string]time.Time{},
		now:  time.Now,
	}
}

func (h *History) Seen(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.seen[key]
	return ok
}

func (h *History) Mark(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seen[key] = h.now()
}

// Evict drops entries marked longer than maxAge ago and returns how many
// were removed.
func (h *History) Evict(maxAge time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-maxAge)
	evicted := 0
	for key, markedAt := range h.seen {
		if markedAt.Before(cutoff) {
			delete(h.seen, key)
			evicted++
		}
	}
	return evicted
}

func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.seen)
}
