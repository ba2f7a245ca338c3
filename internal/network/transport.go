// Package network carries framed messages between nodes over QUIC. Every
// message travels on its own stream; connections are pooled per address.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"safnode/internal/metrics"
	"safnode/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamReadTimeout    = 10 * time.Second

	defaultMaxConnsPerIP   = 16
	defaultMaxStreamsPerIP = 64
)

// Handler receives one inbound frame payload. It runs on the stream's own
// goroutine.
type Handler func(ctx context.Context, remote net.Addr, payload []byte)

type Options struct {
	DevTLS          bool
	DevTLSCAPath    string
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	SendTimeout     time.Duration
	IdleTimeout     time.Duration
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

type Transport struct {
	opts      Options
	serverTLS *tls.Config
	quicConf  *quic.Config
	pool      *clientPool
	limiter   *ipLimiter
	metrics   *metrics.Metrics
	log       zerolog.Logger

	conns   atomic.Int64
	streams atomic.Int64

	mu       sync.Mutex
	listener *quic.Listener
}

func New(opts Options) (*Transport, error) {
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	clientTLS, err := clientTLSConfig(opts.DevTLS, opts.DevTLSCAPath)
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	return &Transport{
		opts:      opts,
		serverTLS: serverTLS,
		quicConf:  quicConf,
		pool:      newClientPool(opts.IdleTimeout, clientTLS, quicConf),
		limiter:   newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "network").Logger(),
	}, nil
}

// ListenAndServe accepts connections on addr until ctx ends. The bound
// address is sent on ready once the listener is up.
func (t *Transport) ListenAndServe(ctx context.Context, addr string, ready chan<- net.Addr, handle Handler) error {
	if handle == nil {
		return errors.New("missing handler")
	}
	listener, err := quic.ListenAddr(addr, t.serverTLS, t.quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	t.log.Info().Str("addr", listener.Addr().String()).Msg("quic listen ready")
	if ready != nil {
		select {
		case ready <- listener.Addr():
		case <-ctx.Done():
		}
	}
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.limiter.conns.acquire(ip) {
			t.metrics.IncDropByReason("conn_limit")
			t.log.Debug().Str("ip", ip).Msg("connection limit reached")
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		go t.serveConn(ctx, conn, ip, handle)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn *quic.Conn, ip string, handle Handler) {
	t.metrics.SetCurrentConns(t.conns.Add(1))
	defer func() {
		t.limiter.conns.release(ip)
		t.metrics.SetCurrentConns(t.conns.Add(-1))
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !t.limiter.streams.acquire(ip) {
			t.metrics.IncDropByReason("stream_limit")
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go t.serveStream(ctx, conn.RemoteAddr(), ip, stream, handle)
	}
}

func (t *Transport) serveStream(ctx context.Context, remote net.Addr, ip string, stream *quic.Stream, handle Handler) {
	t.metrics.SetCurrentStreams(t.streams.Add(1))
	defer func() {
		_ = stream.Close()
		t.limiter.streams.release(ip)
		t.metrics.SetCurrentStreams(t.streams.Add(-1))
	}()
	_ = stream.SetReadDeadline(time.Now().Add(streamReadTimeout))
	payload, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.TypeMax)
	if err != nil {
		t.metrics.IncDropByReason("frame")
		t.log.Debug().Err(err).Str("remote", remote.String()).Msg("read frame failed")
		stream.CancelRead(0)
		return
	}
	handle(ctx, remote, payload)
}

// Send writes one framed payload to addr on a fresh stream. It makes a
// single attempt; callers own retries.
func (t *Transport) Send(ctx context.Context, addr string, payload []byte) error {
	ctx, cancel := withDefaultTimeout(ctx, t.opts.SendTimeout)
	defer cancel()
	conn, reused, err := t.pool.get(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.pool.drop(addr, conn, "open stream failed")
		return fmt.Errorf("open stream %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(0)
		t.pool.drop(addr, conn, "write failed")
		return fmt.Errorf("write %s: %w", addr, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream %s: %w", addr, err)
	}
	if e := t.log.Debug(); e.Enabled() {
		established, _ := t.pool.establishedAt(addr)
		e.Str("addr", addr).
			Int("bytes", len(payload)).
			Bool("reused", reused).
			Time("conn_established", established).
			Msg("frame sent")
	}
	return nil
}

// Addr is the bound listen address, or nil before ListenAndServe.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close drops all outgoing connections and stops the listener.
func (t *Transport) Close() error {
	t.pool.closeAll()
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
