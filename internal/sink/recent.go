package sink

import (
	"context"
	"sync"
	"time"

	"NetAnomaly/internal/model"
)

// Recent keeps the last N anomalies in memory so the API can list them when
// no anomaly store is configured.
type Recent struct {
	mu   sync.Mutex
	ring []model.Anomaly
	next int
	full bool
	now  func() time.Time
}

// NewRecent creates a ring holding up to size anomalies.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 256
	}
	return &Recent{ring: make([]model.Anomaly, size), now: time.Now}
}

// Name implements model.Observer.
func (r *Recent) Name() string { return "recent" }

// Notify implements model.Observer.
func (r *Recent) Notify(_ context.Context, u model.Update) error {
	if !u.IsAnomaly() {
		return nil
	}
	a := model.NewAnomaly(u, r.now())
	r.mu.Lock()
	r.ring[r.next] = a
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// List returns up to limit anomalies, newest first. limit <= 0 returns all.
func (r *Recent) List(limit int) []model.Anomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Anomaly, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}
