// Package daemon wires the SAF subsystems into a running node: actors,
// the QUIC transport, the outbound queue, the inbound pipeline and the
// HTTP stats surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"safnode/internal/config"
	"safnode/internal/dedup"
	"safnode/internal/dht"
	"safnode/internal/metrics"
	"safnode/internal/network"
	"safnode/internal/node"
	"safnode/internal/outbound"
	"safnode/internal/pipeline"
	"safnode/internal/pprofutil"
	"safnode/internal/saf"
	"safnode/internal/store"
)

const (
	snapshotFile      = "metrics.json"
	maintenanceTick   = time.Minute
	defaultInboxSize  = 256
	autoRequestPoll   = 500 * time.Millisecond
	shutdownHTTPGrace = 5 * time.Second
)

type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// App receives delivered application messages after the inbox.
	App       pipeline.Service
	InboxSize int
}

// Runner owns every subsystem of one node.
type Runner struct {
	cfg     *config.Config
	log     zerolog.Logger
	Self    *node.Node
	Metrics *metrics.Metrics

	dhtActor *dht.Actor
	DHT      dht.Requester
	safActor *saf.Actor
	SAF      saf.Requester

	transport *network.Transport
	outSvc    *outbound.Service
	Outbound  outbound.Requester

	Tracker  *pipeline.Tracker
	Signals  *pipeline.SignalBus
	Inbox    *Inbox
	pipeline pipeline.Service

	snapPath  string
	bootstrap []bootstrapPeer

	listenMu   sync.RWMutex
	listenAddr string
	ready      chan struct{}
}

func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	log := opts.Logger
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	boot, err := parseBootstrap(cfg.Node.Bootstrap)
	if err != nil {
		return nil, err
	}
	self, err := node.NewNode(cfg.Home, node.Options{
		PeerStoreCap: cfg.Node.PeerBookCap,
		PeerStoreTTL: cfg.Node.PeerTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		log:       log.With().Str("component", "daemon").Logger(),
		Self:      self,
		Metrics:   m,
		snapPath:  filepath.Join(cfg.Home, snapshotFile),
		bootstrap: boot,
		ready:     make(chan struct{}),
	}

	r.dhtActor, r.DHT = dht.New(self.ID, self.Peers, dht.Options{
		NeighbourhoodSize: cfg.DHT.NeighbourhoodSize,
		MailboxSize:       cfg.DHT.MailboxSize,
		Logger:            log,
	})

	r.transport, err = network.New(network.Options{
		DevTLS:      cfg.Node.DevTLS,
		SendTimeout: cfg.Outbound.SendTimeout,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	r.outSvc, r.Outbound, err = outbound.New(outbound.Options{
		Config:    cfg.Outbound,
		PubKey:    self.PubKey,
		PrivKey:   self.PrivKey,
		ReplyAddr: r.AdvertiseAddr,
		Transport: r.transport,
		Peers:     self.Peers,
		DHT:       r.DHT,
		Metrics:   m,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	r.safActor, r.SAF, err = saf.New(saf.Options{
		Self:     self.ID,
		Config:   cfg.SAF,
		Store:    st,
		DHT:      r.DHT,
		Peers:    self.Peers,
		Outbound: r.Outbound,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	r.Signals = pipeline.NewSignalBus()
	r.Tracker, err = pipeline.NewTracker(pipeline.TrackerOptions{
		Self:       self.ID,
		Outbound:   r.Outbound,
		DHT:        r.DHT,
		Signals:    r.Signals,
		NumClosest: cfg.SAF.NumClosestNodes,
		Timeout:    cfg.SAF.RetrievalTimeout,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	r.Inbox = NewInbox(size, opts.App, m, log)
	validation := pipeline.NewValidationLayer(pipeline.ValidationOptions{
		Validator: pipeline.SignedEnvelopeValidator{
			Self:         self.ID,
			MaxSkew:      pipeline.DefaultMaxSkew,
			DeriveNodeID: node.DeriveNodeID,
		},
		DeriveNodeID: node.DeriveNodeID,
		Metrics:      m,
		Logger:       log,
	})
	handler := pipeline.NewMessageHandlerLayer(pipeline.HandlerOptions{
		Config:    cfg.SAF,
		Self:      self.ID,
		SAF:       r.SAF,
		Outbound:  r.Outbound,
		Tracker:   r.Tracker,
		Delivered: dedup.New(cfg.SAF.DedupWindow, cfg.SAF.DedupTTL),
		Metrics:   m,
		Logger:    log,
	})
	r.pipeline = pipeline.Build(r.Inbox, validation, learnPeers(self, log), handler)
	return r, nil
}

func openStore(cfg *config.Config, log zerolog.Logger) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backend, err := store.OpenBackend(ctx, cfg.Storage.Backend, cfg.StoragePath(), cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	policy := store.StrictPriority
	if cfg.SAF.EvictEqualPriority {
		policy = store.PriorityThenAge
	}
	st, err := store.New(store.Options{
		MaxItemBytes: cfg.SAF.MaxItemBytes,
		MaxCount:     cfg.SAF.MaxCount,
		MaxBytes:     cfg.SAF.MaxBytes,
		CanEvict:     policy,
		Backend:      backend,
		Logger:       log,
	}, time.Now())
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, fmt.Errorf("load store: %w", err)
	}
	return st, nil
}

// Run starts every subsystem and blocks until ctx ends or one of them
// fails.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil {
		return errors.New("missing runner")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.dhtActor.Run(ctx) })
	g.Go(func() error { return r.safActor.Run(ctx) })
	g.Go(func() error { return r.outSvc.Run(ctx) })

	listening := make(chan net.Addr, 1)
	g.Go(func() error {
		err := r.transport.ListenAndServe(ctx, r.cfg.Node.ListenAddr, listening, r.handleFrame)
		if err != nil {
			return fmt.Errorf("listen %s: %w", r.cfg.Node.ListenAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case addr := <-listening:
			r.setListenAddr(addr.String())
		case <-ctx.Done():
			return nil
		}
		r.seedBootstrap()
		close(r.ready)
		r.log.Info().
			Hex("node_id", r.Self.ID[:]).
			Str("addr", r.ListenAddr()).
			Str("advertise", r.AdvertiseAddr()).
			Int("peers", r.Self.Peers.Len()).
			Msg("node ready")
		if r.cfg.SAF.AutoRequest {
			r.autoRequest(ctx)
		}
		return nil
	})
	g.Go(func() error { return r.runSnapshots(ctx) })
	g.Go(func() error { return r.runMaintenance(ctx) })
	if r.cfg.HTTP.Addr != "" {
		g.Go(func() error { return r.serveHTTP(ctx, r.cfg.HTTP.Addr) })
	}
	if r.cfg.HTTP.PprofAddr != "" {
		g.Go(func() error {
			return pprofutil.Serve(ctx, r.cfg.HTTP.PprofAddr, r.cfg.HTTP.PprofPublic, r.log)
		})
	}

	err := g.Wait()
	r.Tracker.Close()
	r.Signals.Close()
	_ = r.transport.Close()
	if werr := r.Metrics.WriteSnapshot(r.snapPath); werr != nil {
		r.log.Warn().Err(werr).Msg("write final snapshot")
	}
	r.log.Info().Msg("node stopped")
	return err
}

// Ready is closed once the transport listens and bootstrap peers are known.
func (r *Runner) Ready() <-chan struct{} { return r.ready }

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) ListenAddr() string {
	if r == nil {
		return ""
	}
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

// AdvertiseAddr is the reply address put on outgoing envelopes.
func (r *Runner) AdvertiseAddr() string {
	if r.cfg.Node.AdvertiseAddr != "" {
		return r.cfg.Node.AdvertiseAddr
	}
	return r.ListenAddr()
}

func (r *Runner) SnapshotPath() string { return r.snapPath }

func (r *Runner) runSnapshots(ctx context.Context) error {
	interval := r.cfg.Node.SnapshotInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
				r.log.Debug().Err(err).Msg("write snapshot")
			}
		}
	}
}

func (r *Runner) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Self.Peers.Prune(); n > 0 {
				r.log.Debug().Int("pruned", n).Int("peers", r.Self.Peers.Len()).Msg("pruned idle peers")
			}
		}
	}
}

// autoRequest asks the closest peers for missed messages once the
// neighbourhood view has at least one peer.
func (r *Runner) autoRequest(ctx context.Context) {
	ticker := time.NewTicker(autoRequestPoll)
	defer ticker.Stop()
	for {
		st, err := r.DHT.Stats(ctx)
		if err == nil && st.Peers > 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	ret, err := r.Tracker.RequestMessages(ctx, pipeline.RetrievalOptions{})
	if err != nil {
		r.log.Warn().Err(err).Msg("auto request failed")
		return
	}
	res, err := ret.Wait(ctx)
	if err != nil && !errors.Is(err, pipeline.ErrPartialResult) {
		return
	}
	r.log.Info().
		Str("request_id", res.RequestID).
		Int("delivered", res.Delivered).
		Bool("partial", res.Partial).
		Msg("auto request finished")
}
