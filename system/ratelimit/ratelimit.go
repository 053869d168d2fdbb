// Package ratelimit implements the fixed-window limiter shared between a
// component's pre-flight admission check and its in-flight host-function
// calls. The fixed-window algorithm and its reset-on-expiry shape are
// ported from the teacher's IPCRateLimiter in system/sandbox/ipc.go;
// unlike that limiter this one is keyed per (user, component) rather than
// per service pair, and exposes a Status query for diagnostics.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyfrworks/cyfr/system/errkind"
)

// Key identifies the bucket a caller shares between pre-flight admission
// and the in-flight unary HTTP `request` calls made during the same
// execution.
type Key struct {
	UserID        string
	ComponentRef  string
}

func (k Key) String() string {
	return k.UserID + "|" + k.ComponentRef
}

// Limit is the configuration of one bucket: at most Requests calls in any
// Window-sized interval.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Error is returned when a check is rejected, carrying enough state for a
// caller to report a retry-after hint.
type Error struct {
	Key          string
	Limit        int
	Window       time.Duration
	RetryAfter   time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate_limited: %s exceeded %d requests per %s, retry after %s", e.Key, e.Limit, e.Window, e.RetryAfter)
}

// ErrorKind implements errkind.Coded.
func (e *Error) ErrorKind() errkind.Kind { return errkind.KindRateLimited }

type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// Limiter is a process-wide registry of fixed-window buckets, one per Key,
// guarded individually rather than behind a single global lock so
// concurrent executions for different keys never contend.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New builds an empty Limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *Limiter) bucketFor(key Key) *bucket {
	k := key.String()

	l.mu.Lock()
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{}
		l.buckets[k] = b
	}
	l.mu.Unlock()

	return b
}

// Check admits or rejects a single call against key under limit, advancing
// or resetting the window as needed. It is safe to call concurrently for
// the same key from both the pre-flight admission check and every
// in-flight host-function call of one execution: all of them share the
// same bucket and therefore the same budget.
func (l *Limiter) Check(key Key, limit Limit) error {
	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= limit.Window {
		b.windowStart = now
		b.count = 0
	}

	if b.count >= limit.Requests {
		retryAfter := limit.Window - now.Sub(b.windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &Error{Key: key.String(), Limit: limit.Requests, Window: limit.Window, RetryAfter: retryAfter}
	}

	b.count++
	return nil
}

// Status reports the current window's usage for a key without consuming a
// slot in it, for the execution journal's diagnostic surface.
type Status struct {
	Count       int
	WindowStart time.Time
}

// Status returns the current bucket usage for key, or the zero Status if
// the key has never been checked.
func (l *Limiter) Status(key Key) Status {
	l.mu.Lock()
	b, ok := l.buckets[key.String()]
	l.mu.Unlock()
	if !ok {
		return Status{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{Count: b.count, WindowStart: b.windowStart}
}

// Reset clears the bucket for key, used by tests and administrative
// override paths.
func (l *Limiter) Reset(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key.String())
}
