// Package registry implements the process-wide error-category registry:
// a map from category tag (e.g. "loop-M2S", "oracle") to
// the most recent failure text, plus a bounded ring of the N most recent
// failure records for observability. A success on a category clears it.
//
// The bounded ring is backed by github.com/hashicorp/golang-lru/v2
// rather than a hand-rolled circular buffer.
package registry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRecentFailures is the default bound on the "recent failures" ring.
const DefaultRecentFailures = 20

// FailureRecord is one entry in the recent-failures ring.
type FailureRecord struct {
	Category string
	Detail   string
	At       time.Time
}

// Registry is safe for concurrent use by multiple direction loops.
type Registry struct {
	mu      sync.RWMutex
	latest  map[string]string
	recent  *lru.Cache[int64, FailureRecord]
	seq     int64
	nowFunc func() time.Time
}

// New constructs a registry bounded to `capacity` recent failure records.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRecentFailures
	}
	cache, err := lru.New[int64, FailureRecord](capacity)
	if err != nil {
		// lru.New only errors on non-positive size, which we've just guarded.
		panic(err)
	}
	return &Registry{
		latest:  make(map[string]string),
		recent:  cache,
		nowFunc: time.Now,
	}
}

// RecordFailure sets the category's latest failure text and appends a
// bounded recent-failures entry.
func (r *Registry) RecordFailure(category, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[category] = detail
	r.seq++
	r.recent.Add(r.seq, FailureRecord{Category: category, Detail: detail, At: r.nowFunc()})
}

// ClearSuccess clears a category's failure text on a successful pass.
func (r *Registry) ClearSuccess(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.latest, category)
}

// Latest returns the most recent failure text for a category, or "" if the
// category has no outstanding failure.
func (r *Registry) Latest(category string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest[category]
}

// Snapshot returns a read-only copy of all outstanding category failures,
// for the metrics and health packages.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.latest))
	for k, v := range r.latest {
		out[k] = v
	}
	return out
}

// Recent returns the bounded ring of most recent failures, newest first.
func (r *Registry) Recent() []FailureRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.recent.Keys()
	out := make([]FailureRecord, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := r.recent.Peek(keys[i]); ok {
			out = append(out, v)
		}
	}
	return out
}
