// Package saf holds messages for peers that are not reachable and hands them
// back when asked. A single actor goroutine owns the message store; callers
// talk to it through a Requester.
package saf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"safnode/internal/actor"
	"safnode/internal/config"
	"safnode/internal/dedup"
	"safnode/internal/metrics"
	"safnode/internal/peer"
	"safnode/internal/proto"
	"safnode/internal/store"
)

// Neighbourhood answers proximity questions; dht.Requester implements it.
type Neighbourhood interface {
	IsResponsible(ctx context.Context, key [32]byte) (bool, error)
	InNeighbourhood(ctx context.Context, id [32]byte) (bool, error)
}

// PeerBook looks up known peers.
type PeerBook interface {
	Get(id [32]byte) (peer.Peer, bool)
}

// Sender queues a message for a peer. It must not block on the network.
type Sender interface {
	SendDirect(ctx context.Context, to [32]byte, addr string, msgType string, body []byte) error
}

type Options struct {
	Self     [32]byte
	Config   config.SAFConfig
	Store    *store.Store
	DHT      Neighbourhood
	Peers    PeerBook
	Outbound Sender
	Replay   *dedup.Set
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Stats struct {
	Store             store.Stats `json:"store"`
	Stored            uint64      `json:"stored"`
	AlreadyPresent    uint64      `json:"already_present"`
	Rejected          uint64      `json:"rejected"`
	Served            uint64      `json:"served"`
	BatchesSent       uint64      `json:"batches_sent"`
	RemovedOnDelivery uint64      `json:"removed_on_delivery"`
	Swept             uint64      `json:"swept"`
	Mailbox           int         `json:"mailbox"`
}

type op func(a *Actor)

// Actor drives the store. Nothing else touches it.
type Actor struct {
	sh      *shared
	store   *store.Store
	out     Sender
	mb      *actor.Mailbox[op]
	metrics *metrics.Metrics
	log     zerolog.Logger
	ctx     context.Context
	stats   Stats
}

// shared is the read-only state the requesters use before a request reaches
// the actor.
type shared struct {
	self   [32]byte
	cfg    config.SAFConfig
	dht    Neighbourhood
	peers  PeerBook
	replay *dedup.Set
	now    func() time.Time
	log    zerolog.Logger
}

const defaultSweepInterval = time.Minute

func New(opts Options) (*Actor, Requester, error) {
	if opts.Store == nil {
		return nil, Requester{}, errors.New("saf: missing store")
	}
	if opts.Outbound == nil {
		return nil, Requester{}, errors.New("saf: missing outbound sender")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Replay == nil {
		opts.Replay = dedup.New(opts.Config.DedupWindow, opts.Config.DedupTTL)
	}
	mailbox := opts.Config.MailboxSize
	if mailbox <= 0 {
		mailbox = 64
	}
	log := opts.Logger.With().Str("component", "saf").Logger()
	sh := &shared{
		self:   opts.Self,
		cfg:    opts.Config,
		dht:    opts.DHT,
		peers:  opts.Peers,
		replay: opts.Replay,
		now:    opts.Now,
		log:    log,
	}
	a := &Actor{
		sh:      sh,
		store:   opts.Store,
		out:     opts.Outbound,
		mb:      actor.NewMailbox[op](mailbox),
		metrics: opts.Metrics,
		log:     log,
		ctx:     context.Background(),
	}
	return a, Requester{mb: a.mb, sh: sh}, nil
}

// Run processes requests one at a time until ctx ends, then closes the
// store.
func (a *Actor) Run(ctx context.Context) error {
	a.ctx = ctx
	defer func() {
		a.mb.Close()
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close store")
		}
	}()
	interval := a.sh.cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.publish()
	a.log.Info().
		Int("messages", a.store.Len()).
		Dur("sweep_interval", interval).
		Msg("saf actor started")
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("saf actor stopped")
			return nil
		case <-ticker.C:
			a.sweep()
		case fn := <-a.mb.Recv():
			fn(a)
		}
	}
}

func (a *Actor) insert(msg store.StoredMessage, ttl time.Duration) (StoreResult, error) {
	now := a.sh.now().Truncate(time.Millisecond)
	msg.StoredAt = now
	msg.ExpiresAt = now.Add(ttl)
	res, err := a.store.Insert(msg)
	if err != nil {
		if errors.Is(err, store.ErrInvalid) {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
		}
		a.stats.Rejected++
		a.metrics.IncStoreOutcome(Reason(err))
		return StoreResult{ID: msg.ID}, err
	}
	a.sh.replay.Add(msg.ID)
	switch res.Outcome {
	case store.OutcomeStored:
		a.stats.Stored++
	case store.OutcomeAlreadyPresent:
		a.stats.AlreadyPresent++
	}
	a.metrics.IncStoreOutcome(res.Outcome.String())
	a.metrics.AddEvicted(len(res.Evicted))
	a.publish()
	if len(res.Evicted) > 0 {
		a.log.Debug().Int("evicted", len(res.Evicted)).Hex("id", msg.ID[:8]).Msg("evicted to admit message")
	}
	return StoreResult{ID: msg.ID, Outcome: res.Outcome, Evicted: len(res.Evicted)}, nil
}

// serve answers a retrieve request by queueing response batches for the
// requester.
func (a *Actor) serve(req RetrieveRequest, broad bool) (RetrieveReport, error) {
	limit := a.sh.cfg.MaxReturnedMessages
	if req.MaxCount > 0 && (limit <= 0 || req.MaxCount < limit) {
		limit = req.MaxCount
	}
	f := store.Filter{Since: req.Since, Limit: limit, MaxBytes: req.MaxBytes}
	if !broad {
		dest := req.Requester
		f.Destination = &dest
	}
	msgs := a.store.Query(f)
	batches := splitBatches(msgs, a.sh.cfg.BatchMaxCount, a.sh.cfg.BatchMaxBytes, proto.MaxResponseBatchWire)
	var report RetrieveReport
	for i, batch := range batches {
		body, err := proto.EncodeRetrieveResponseMsg(proto.RetrieveResponseMsg{
			RequestID: req.RequestID,
			Batch:     wireBatch(batch),
			IsFinal:   i == len(batches)-1,
		})
		if err != nil {
			return report, err
		}
		if err := a.out.SendDirect(a.ctx, req.Requester, req.ReplyAddr, proto.MsgTypeSafResponse, body); err != nil {
			a.log.Warn().
				Err(err).
				Str("request_id", req.RequestID).
				Int("batch", i+1).
				Int("batches", len(batches)).
				Msg("queue response batch failed")
			return report, fmt.Errorf("queue batch %d/%d: %w", i+1, len(batches), err)
		}
		report.Batches++
		report.Messages += len(batch)
	}
	if a.sh.cfg.RemoveOnDelivery {
		ids := make([][32]byte, 0, len(msgs))
		for _, m := range msgs {
			if m.Destination == req.Requester {
				ids = append(ids, m.ID)
			}
		}
		report.Removed = a.store.Remove(ids...)
	}
	a.stats.Served++
	a.stats.BatchesSent += uint64(report.Batches)
	a.stats.RemovedOnDelivery += uint64(report.Removed)
	a.metrics.ObserveServed(report.Messages, report.Batches, report.Removed)
	a.publish()
	a.log.Debug().
		Str("request_id", req.RequestID).
		Hex("requester", req.Requester[:8]).
		Bool("broad", broad).
		Int("messages", report.Messages).
		Int("batches", report.Batches).
		Int("removed", report.Removed).
		Msg("served retrieve request")
	return report, nil
}

func (a *Actor) sweep() {
	removed := a.store.SweepExpired(a.sh.now())
	if len(removed) == 0 {
		return
	}
	a.stats.Swept += uint64(len(removed))
	a.metrics.AddExpired(len(removed))
	a.publish()
	a.log.Debug().Int("expired", len(removed)).Msg("swept expired messages")
}

func (a *Actor) snapshot() Stats {
	st := a.stats
	st.Store = a.store.Stats()
	st.Mailbox = a.mb.Len()
	return st
}

func (a *Actor) publish() {
	a.metrics.SetStoreSize(a.store.Len(), a.store.Bytes())
}
