package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window holds the request timestamps for one (prefix, key) pair, pruned to
// the rule window on every access.
type window struct {
	hits       []time.Time
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with a per-key in-memory sliding window.
// A background goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a sliding window limiter. A background goroutine
// evicts keys not accessed in the last 10 minutes. Call Close to stop it.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow records a hit for key under the rule and reports whether the request
// is within the rule's window limit.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) Result {
	if rule.Limit <= 0 {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	id := rule.Prefix + ":" + key
	w, ok := m.windows[id]
	if !ok {
		w = &window{}
		m.windows[id] = w
	}
	w.lastAccess = now

	// Prune hits older than the window.
	cutoff := now.Add(-rule.Window)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) >= rule.Limit {
		return Result{
			Allowed:   false,
			Limit:     rule.Limit,
			Remaining: 0,
			ResetAt:   w.hits[0].Add(rule.Window),
		}
	}

	w.hits = append(w.hits, now)
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(w.hits),
		ResetAt:   w.hits[0].Add(rule.Window),
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for id, w := range m.windows {
		if w.lastAccess.Before(cutoff) {
			delete(m.windows, id)
		}
	}
}
