// Package outbound signs messages for other nodes and delivers them from a
// bounded queue drained by a small worker pool. Enqueueing never touches the
// network, so actors can hand off replies without stalling.
package outbound

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"safnode/internal/actor"
	"safnode/internal/config"
	"safnode/internal/crypto"
	"safnode/internal/metrics"
	"safnode/internal/node"
	"safnode/internal/peer"
	"safnode/internal/proto"
)

var (
	ErrBusy         = actor.ErrBusy
	ErrDisconnected = actor.ErrDisconnected
	ErrNoAddress    = errors.New("no address for peer")
	ErrNoPeers      = errors.New("no peers to send to")
)

// Transport delivers one framed payload to an address.
type Transport interface {
	Send(ctx context.Context, addr string, payload []byte) error
}

type PeerBook interface {
	Get(id [32]byte) (peer.Peer, bool)
}

// ClosestPeers is satisfied by dht.Requester.
type ClosestPeers interface {
	Closest(ctx context.Context, key [32]byte, n int, exclude ...[32]byte) ([]peer.Peer, error)
}

type Options struct {
	Config    config.OutboundConfig
	PubKey    []byte
	PrivKey   []byte
	ReplyAddr func() string
	Transport Transport
	Peers     PeerBook
	DHT       ClosestPeers
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Stats struct {
	Queued   int    `json:"queued"`
	Enqueued uint64 `json:"enqueued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Retries  uint64 `json:"retries"`
	Busy     uint64 `json:"busy"`
}

type job struct {
	to      [32]byte
	addr    string
	msgType string
	payload []byte
}

// Service owns the queue and the workers.
type Service struct {
	cfg       config.OutboundConfig
	mb        *actor.Mailbox[job]
	transport Transport
	metrics   *metrics.Metrics
	log       zerolog.Logger

	enqueued atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
	retries  atomic.Uint64
	busy     atomic.Uint64
}

// Requester is the copyable handle used to queue messages.
type Requester struct {
	svc       *Service
	pub       []byte
	priv      []byte
	replyAddr func() string
	peers     PeerBook
	dht       ClosestPeers
	now       func() time.Time
}

func New(opts Options) (*Service, Requester, error) {
	if opts.Transport == nil {
		return nil, Requester{}, errors.New("outbound: missing transport")
	}
	if len(opts.PubKey) == 0 || len(opts.PrivKey) == 0 {
		return nil, Requester{}, errors.New("outbound: missing node keys")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplyAddr == nil {
		opts.ReplyAddr = func() string { return "" }
	}
	cfg := opts.Config
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Service{
		cfg:       cfg,
		mb:        actor.NewMailbox[job](cfg.QueueSize),
		transport: opts.Transport,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "outbound").Logger(),
	}
	r := Requester{
		svc:       s,
		pub:       append([]byte(nil), opts.PubKey...),
		priv:      opts.PrivKey,
		replyAddr: opts.ReplyAddr,
		peers:     opts.Peers,
		dht:       opts.DHT,
		now:       opts.Now,
	}
	return s, r, nil
}

// Run drains the queue with cfg.Workers goroutines until ctx ends. Jobs
// still queued at that point are dropped.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	s.log.Info().Int("workers", s.cfg.Workers).Int("queue", s.cfg.QueueSize).Msg("outbound started")
	<-ctx.Done()
	s.mb.Close()
	wg.Wait()
	if n := s.mb.Len(); n > 0 {
		s.log.Warn().Int("dropped", n).Msg("outbound stopped with queued messages")
	} else {
		s.log.Info().Msg("outbound stopped")
	}
	return nil
}

func (s *Service) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.mb.Recv():
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	if s.cfg.RetryMaxDelay > 0 {
		b.MaxInterval = s.cfg.RetryMaxDelay
	}
	b.MaxElapsedTime = 0
	retries := s.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			s.retries.Add(1)
			s.metrics.IncOutbound("retry")
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout())
		defer cancel()
		return s.transport.Send(sendCtx, j.addr, j.payload)
	}, policy)
	if err != nil {
		s.failed.Add(1)
		s.metrics.IncOutbound("failed")
		s.log.Warn().
			Err(err).
			Str("addr", j.addr).
			Hex("to", j.to[:8]).
			Str("message_type", j.msgType).
			Int("attempts", attempt).
			Msg("send failed")
		return
	}
	s.sent.Add(1)
	s.metrics.IncOutbound("sent")
}

func (s *Service) sendTimeout() time.Duration {
	if s.cfg.SendTimeout > 0 {
		return s.cfg.SendTimeout
	}
	return 8 * time.Second
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:   s.mb.Len(),
		Enqueued: s.enqueued.Load(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Retries:  s.retries.Load(),
		Busy:     s.busy.Load(),
	}
}

// SendDirect signs body as msgType for peer to and queues it. An empty addr
// is resolved from the peer book.
func (r Requester) SendDirect(ctx context.Context, to [32]byte, addr string, msgType string, body []byte) error {
	if r.svc == nil {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if addr == "" && r.peers != nil {
		if p, ok := r.peers.Get(to); ok {
			addr = p.Addr
		}
	}
	if addr == "" {
		return fmt.Errorf("%w %x", ErrNoAddress, to[:8])
	}
	payload, err := r.seal(to, msgType, body)
	if err != nil {
		return err
	}
	if err := r.svc.mb.Submit(job{to: to, addr: addr, msgType: msgType, payload: payload}); err != nil {
		if errors.Is(err, ErrBusy) {
			r.svc.busy.Add(1)
			r.svc.metrics.IncOutbound("busy")
		}
		return err
	}
	r.svc.enqueued.Add(1)
	r.svc.metrics.IncOutbound("enqueued")
	return nil
}

// SendToClosest queues body for the n peers closest to key that have a
// known address, and reports how many were queued.
func (r Requester) SendToClosest(ctx context.Context, key [32]byte, n int, msgType string, body []byte, exclude ...[32]byte) (int, error) {
	if r.svc == nil {
		return 0, ErrDisconnected
	}
	if r.dht == nil {
		return 0, ErrNoPeers
	}
	peers, err := r.dht.Closest(ctx, key, n, exclude...)
	if err != nil {
		return 0, fmt.Errorf("closest peers: %w", err)
	}
	return r.SendToPeers(ctx, peers, msgType, body)
}

// SendToPeers queues body for each peer. Peers without an address are
// skipped; the first queue error stops the fan-out.
func (r Requester) SendToPeers(ctx context.Context, peers []peer.Peer, msgType string, body []byte) (int, error) {
	queued := 0
	for _, p := range peers {
		if p.Addr == "" {
			continue
		}
		if err := r.SendDirect(ctx, p.NodeID, p.Addr, msgType, body); err != nil {
			return queued, err
		}
		queued++
	}
	if queued == 0 {
		return 0, ErrNoPeers
	}
	return queued, nil
}

// StoreForward asks the n peers closest to dest to hold body until dest
// collects it. The body is signed so that dest can check it after relay.
func (r Requester) StoreForward(ctx context.Context, dest [32]byte, body []byte, priority uint8, ttl time.Duration, n int) ([32]byte, int, error) {
	if r.svc == nil {
		return [32]byte{}, 0, ErrDisconnected
	}
	origin := node.DeriveNodeID(r.pub)
	id := proto.MessageID(dest, origin, body)
	sig, err := crypto.SignDigest(r.priv, proto.OriginSigDigest(id))
	if err != nil {
		return id, 0, fmt.Errorf("sign origin: %w", err)
	}
	req := proto.StoreRequestMsg{
		Destination: proto.EncodeNodeIDHex(dest),
		Origin:      proto.EncodeNodeIDHex(origin),
		OriginPub:   hex.EncodeToString(r.pub),
		OriginSig:   hex.EncodeToString(sig),
		Body:        body,
		Priority:    priority,
	}
	if ttl > 0 {
		req.TTLSec = int64(ttl / time.Second)
		if req.TTLSec == 0 {
			req.TTLSec = 1
		}
	}
	payload, err := proto.EncodeStoreRequestMsg(req)
	if err != nil {
		return id, 0, err
	}
	queued, err := r.SendToClosest(ctx, dest, n, proto.MsgTypeSafStore, payload, origin)
	return id, queued, err
}

// seal wraps body in a signed envelope and returns the wire payload.
func (r Requester) seal(to [32]byte, msgType string, body []byte) ([]byte, error) {
	env := proto.DhtEnvelope{
		MessageType: msgType,
		OriginPub:   hex.EncodeToString(r.pub),
		Destination: proto.EncodeNodeIDHex(to),
		ReplyAddr:   r.replyAddr(),
		Timestamp:   r.now().UnixMilli(),
		Body:        body,
	}
	if err := proto.SignEnvelope(&env, r.priv); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	payload, err := proto.EncodeDhtEnvelope(env)
	if err != nil {
		return nil, err
	}
	if len(payload) > proto.MaxFrameSize {
		return nil, fmt.Errorf("envelope for %s too large: %d bytes", msgType, len(payload))
	}
	return payload, nil
}
