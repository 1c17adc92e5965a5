package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const (
	defaultConnIdle = 30 * time.Second

	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// clientPool reuses one QUIC connection per (address, expected key) until
// it has been idle for idleAfter or its context ends.
type clientPool struct {
	mu        sync.Mutex
	log       *zap.Logger
	conns     map[string]*pooledConn
	failures  map[string]int
	idleAfter time.Duration
}

func newClientPool(log *zap.Logger, idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = defaultConnIdle
	}
	return &clientPool{
		log:       log,
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]int),
		idleAfter: idleAfter,
	}
}

func (p *clientPool) get(ctx context.Context, poolKey, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[poolKey]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, poolKey)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	p.log.Debug("quic dial", zap.String("addr", addr))
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if old, ok := p.conns[poolKey]; ok {
		// lost a dial race; keep the existing connection
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return old.conn, nil
	}
	p.conns[poolKey] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) drop(poolKey string, conn *quic.Conn, reason string) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[poolKey]; ok && ent.conn == conn {
		delete(p.conns, poolKey)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[addr]++
	return p.failures[addr]
}

func (p *clientPool) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func (p *clientPool) failureCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[addr]
}

func (p *clientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}
