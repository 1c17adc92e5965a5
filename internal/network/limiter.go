package network

import "sync"

// ipLimiter caps concurrent connections and streams per remote IP. A cap
// of zero disables that check.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return l.acquire(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.release(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return l.acquire(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.release(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) acquire(counts map[string]int, max int, ip string) bool {
	if max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] >= max {
		return false
	}
	counts[ip]++
	return true
}

func (l *ipLimiter) release(counts map[string]int, max int, ip string) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}
