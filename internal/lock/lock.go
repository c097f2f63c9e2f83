// Package lock provides best-effort mutual exclusion for named
// coordination keys, e.g. the per-tick lock that keeps two regions from
// running the same scheduling pass. It is deliberately non-consensus:
// brief double-holds are tolerated because job claims are themselves
// conditional and retries are idempotent.
package lock

import (
	"log/slog"
	"sync"
	"time"
)

// Entry records one held lock.
type Entry struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
}

// Locker is an in-process lock table with implicit expiry. Correct for
// single-instance deployments; across processes it only narrows the
// double-processing window.
type Locker struct {
	mu     sync.Mutex
	held   map[string]Entry
	ttl    time.Duration
	logger *slog.Logger

	now func() time.Time
}

// New creates a Locker whose locks expire after ttl.
func New(ttl time.Duration, logger *slog.Logger) *Locker {
	return &Locker{
		held:   make(map[string]Entry),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (l *Locker) SetClock(now func() time.Time) {
	l.now = now
}

// Acquire grants the lock when it is unheld, expired, or already held by
// the same holder (re-entrant refresh). Returns false on contention.
func (l *Locker) Acquire(key, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.held[key]
	if ok && e.Holder != holder && now.Sub(e.AcquiredAt) < l.ttl {
		l.logger.Debug("Lock contention",
			slog.String("key", key),
			slog.String("holder", e.Holder),
			slog.String("requester", holder),
		)
		return false
	}

	l.held[key] = Entry{Key: key, Holder: holder, AcquiredAt: now}
	return true
}

// Release frees the lock, but only for its current holder. A third party
// can never force-release.
func (l *Locker) Release(key, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[key]
	if !ok || e.Holder != holder {
		return false
	}
	delete(l.held, key)
	return true
}

// IsLocked reports whether the key is held and not yet expired. An
// expired entry is treated as abandoned and reported unlocked.
func (l *Locker) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[key]
	if !ok {
		return false
	}
	if l.now().Sub(e.AcquiredAt) >= l.ttl {
		delete(l.held, key)
		return false
	}
	return true
}
