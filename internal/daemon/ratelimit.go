package daemon

import (
	"sync"
	"time"
)

const (
	defaultRecvLimit  = 20
	defaultRecvWindow = time.Second
)

// windowLimiter admits up to limit events per key in each fixed window.
type windowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*windowBucket
	now     func() time.Time
}

type windowBucket struct {
	count int
	reset time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	if window <= 0 {
		window = defaultRecvWindow
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*windowBucket),
		now:     time.Now,
	}
}

func (l *windowLimiter) Allow(key string) bool {
	if l == nil || key == "" || l.limit <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || now.After(b.reset) {
		if len(l.buckets) > 4096 {
			l.sweep(now)
		}
		l.buckets[key] = &windowBucket{count: 1, reset: now.Add(l.window)}
		return true
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

func (l *windowLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.reset) {
			delete(l.buckets, k)
		}
	}
}
