package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	clientConnIdle = 30 * time.Second
	clientTimeout  = 8 * time.Second
)

type pooledConn struct {
	conn        *quic.Conn
	lastUsed    time.Time
	established time.Time
}

// clientPool keeps one outgoing connection per address.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
	tlsConf   *tls.Config
	quicConf  *quic.Config
	closed    bool
}

func newClientPool(idleAfter time.Duration, tlsConf *tls.Config, quicConf *quic.Config) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
		tlsConf:   tlsConf,
		quicConf:  quicConf,
	}
}

var errPoolClosed = errors.New("client pool closed")

func (p *clientPool) get(ctx context.Context, addr string) (*quic.Conn, bool, error) {
	if addr == "" {
		return nil, false, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, errPoolClosed
	}
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, true, nil
		}
		delete(p.conns, addr)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}

	conn, err := quic.DialAddr(ctx, addr, p.tlsConf.Clone(), p.quicConf)
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.CloseWithError(0, "pool closed")
		return nil, false, errPoolClosed
	}
	// a concurrent dial may have won; keep the live one
	if ent, ok := p.conns[addr]; ok && ent.conn.Context().Err() == nil {
		_ = conn.CloseWithError(0, "duplicate")
		ent.lastUsed = now
		return ent.conn, true, nil
	}
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now, established: now}
	return conn, false, nil
}

func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) establishedAt(addr string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[addr]
	if !ok {
		return time.Time{}, false
	}
	return ent.established, true
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
	p.closed = true
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = clientTimeout
	}
	if ctx == nil {
		return context.WithTimeout(context.Background(), d)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
