package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"safnode/internal/metrics"
	"safnode/internal/peer"
	"safnode/internal/proto"
	"safnode/internal/saf"
	"safnode/internal/store"
)

var (
	ErrPartialResult = saf.ErrPartialResult
	ErrNoPeers       = errors.New("no peers to ask")
	ErrUnsolicited   = errors.New("response for unknown request")
)

const (
	defaultRetrievalTimeout = 30 * time.Second
	defaultNumClosest       = 10
	completedRetained       = 512
)

type RetrievalState int

const (
	StateSent RetrievalState = iota
	StatePartiallyReceived
	StateComplete
)

func (s RetrievalState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StatePartiallyReceived:
		return "partially_received"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type RetrievalOptions struct {
	// Peers to ask. Empty means the NumClosest peers closest to this node.
	Peers      []peer.Peer
	NumClosest int
	Since      time.Time
	MaxCount   int
	MaxBytes   int
	Broad      bool
	Timeout    time.Duration
}

type RetrievalResult struct {
	RequestID string        `json:"request_id"`
	Peers     int           `json:"peers"`
	Finished  int           `json:"finished"`
	Batches   int           `json:"batches"`
	Messages  int           `json:"messages"`
	Delivered int           `json:"delivered"`
	Partial   bool          `json:"partial"`
	Duration  time.Duration `json:"duration"`
}

// Err is ErrPartialResult when the deadline passed before every peer sent
// its final batch.
func (r RetrievalResult) Err() error {
	if r.Partial {
		return ErrPartialResult
	}
	return nil
}

// Retrieval is one outstanding request for stored messages.
type Retrieval struct {
	id      string
	started time.Time
	done    chan struct{}

	mu      sync.Mutex
	state   RetrievalState
	waiting map[[32]byte]bool
	result  RetrievalResult
	timer   *time.Timer
	// armed is set once every request was queued
	armed bool
}

func (r *Retrieval) ID() string { return r.id }

func (r *Retrieval) State() RetrievalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the retrieval is complete.
func (r *Retrieval) Done() <-chan struct{} { return r.done }

// Wait blocks until the retrieval completes or ctx ends. A timed out
// retrieval returns what arrived together with ErrPartialResult.
func (r *Retrieval) Wait(ctx context.Context) (RetrievalResult, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		res := r.result
		r.mu.Unlock()
		return res, res.Err()
	case <-ctx.Done():
		return RetrievalResult{}, ctx.Err()
	}
}

// RetrievalSender is the outbound side the tracker needs.
type RetrievalSender interface {
	SendDirect(ctx context.Context, to [32]byte, addr string, msgType string, body []byte) error
}

type TrackerOptions struct {
	Self       [32]byte
	Outbound   RetrievalSender
	DHT        ClosestPeers
	Signals    *SignalBus
	NumClosest int
	Timeout    time.Duration
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
	NewID      func() string
}

// ClosestPeers is satisfied by dht.Requester.
type ClosestPeers interface {
	Closest(ctx context.Context, key [32]byte, n int, exclude ...[32]byte) ([]peer.Peer, error)
}

// Tracker matches retrieve responses to the requests this node sent.
type Tracker struct {
	opts      TrackerOptions
	log       zerolog.Logger
	mu        sync.Mutex
	pending   map[string]*Retrieval
	completed *lru.Cache
}

func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Outbound == nil {
		return nil, errors.New("tracker: missing outbound sender")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRetrievalTimeout
	}
	if opts.NumClosest <= 0 {
		opts.NumClosest = defaultNumClosest
	}
	completed, err := lru.New(completedRetained)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "retrieval").Logger(),
		pending:   make(map[string]*Retrieval),
		completed: completed,
	}, nil
}

// RequestMessages asks peers for messages held for this node.
func (t *Tracker) RequestMessages(ctx context.Context, opts RetrievalOptions) (*Retrieval, error) {
	peers := opts.Peers
	if len(peers) == 0 {
		if t.opts.DHT == nil {
			return nil, ErrNoPeers
		}
		n := opts.NumClosest
		if n <= 0 {
			n = t.opts.NumClosest
		}
		found, err := t.opts.DHT.Closest(ctx, t.opts.Self, n)
		if err != nil {
			return nil, fmt.Errorf("closest peers: %w", err)
		}
		peers = found
	}
	req := proto.RetrieveRequestMsg{
		RequestID:     t.opts.NewID(),
		RequestingKey: proto.EncodeNodeIDHex(t.opts.Self),
		MaxCount:      opts.MaxCount,
		MaxBytes:      opts.MaxBytes,
		Broad:         opts.Broad,
	}
	if !opts.Since.IsZero() {
		req.SinceMs = opts.Since.UnixMilli()
	}
	body, err := proto.EncodeRetrieveRequestMsg(req)
	if err != nil {
		return nil, err
	}

	r := &Retrieval{
		id:      req.RequestID,
		started: t.opts.Now(),
		done:    make(chan struct{}),
		waiting: make(map[[32]byte]bool),
		result:  RetrievalResult{RequestID: req.RequestID},
	}
	// registered before sending so a fast reply finds it
	t.mu.Lock()
	t.pending[r.id] = r
	t.mu.Unlock()

	var lastErr error
	for _, p := range peers {
		if p.NodeID == t.opts.Self {
			continue
		}
		r.mu.Lock()
		r.waiting[p.NodeID] = true
		r.mu.Unlock()
		if err := t.opts.Outbound.SendDirect(ctx, p.NodeID, p.Addr, proto.MsgTypeSafRetrieve, body); err != nil {
			lastErr = err
			r.mu.Lock()
			delete(r.waiting, p.NodeID)
			r.mu.Unlock()
			t.log.Debug().Err(err).Hex("peer", p.NodeID[:8]).Msg("queue retrieve request failed")
		}
	}

	r.mu.Lock()
	asked := len(r.waiting)
	r.result.Peers = asked
	r.armed = true
	allFinal := asked > 0 && r.result.Finished == asked
	if asked > 0 && !allFinal {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = t.opts.Timeout
		}
		r.timer = time.AfterFunc(timeout, func() { t.expire(r) })
	}
	r.mu.Unlock()
	if asked == 0 {
		t.mu.Lock()
		delete(t.pending, r.id)
		t.mu.Unlock()
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPeers, lastErr)
		}
		return nil, ErrNoPeers
	}
	t.opts.Metrics.IncRetrievalRequested()
	t.log.Debug().Str("request_id", r.id).Int("peers", asked).Bool("broad", opts.Broad).Msg("retrieval sent")
	if allFinal {
		t.complete(r, false)
	}
	return r, nil
}

// Lookup returns an outstanding retrieval.
func (t *Tracker) Lookup(id string) (*Retrieval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.pending[id]
	return r, ok
}

func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Deliver hands one stored message onward. It reports whether the message
// was new.
type Deliver func(ctx context.Context, msg store.StoredMessage) (bool, error)

// HandleResponse processes one batch from peer from. Bodies are delivered
// in batch order before the retrieval's state changes. Batches for a
// completed retrieval are still delivered but leave it untouched.
func (t *Tracker) HandleResponse(ctx context.Context, from [32]byte, resp proto.RetrieveResponseMsg, deliver Deliver) error {
	t.mu.Lock()
	r, ok := t.pending[resp.RequestID]
	if !ok {
		if v, found := t.completed.Get(resp.RequestID); found {
			r = v.(*Retrieval)
		}
	}
	t.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnsolicited, resp.RequestID)
	}
	r.mu.Lock()
	_, asked := r.waiting[from]
	r.mu.Unlock()
	if !asked {
		return fmt.Errorf("%w: %s not asked for %s", ErrUnsolicited, proto.EncodeNodeIDHex(from), resp.RequestID)
	}

	delivered := 0
	for _, w := range resp.Batch {
		msg, err := store.FromWire(w)
		if err != nil {
			t.log.Debug().Err(err).Str("request_id", resp.RequestID).Msg("skipping bad stored message")
			continue
		}
		if err := saf.VerifyStored(msg); err != nil {
			t.log.Debug().Err(err).Hex("id", msg.ID[:8]).Msg("skipping unverified stored message")
			continue
		}
		fresh, err := deliver(ctx, msg)
		if err != nil {
			t.log.Debug().Err(err).Hex("id", msg.ID[:8]).Msg("deliver stored message failed")
			continue
		}
		if fresh {
			delivered++
		}
	}

	r.mu.Lock()
	if r.state == StateComplete {
		r.mu.Unlock()
		t.log.Debug().
			Str("request_id", resp.RequestID).
			Int("delivered", delivered).
			Msg("late response for completed retrieval")
		return nil
	}
	r.state = StatePartiallyReceived
	r.result.Batches++
	r.result.Messages += len(resp.Batch)
	r.result.Delivered += delivered
	if resp.IsFinal && r.waiting[from] {
		r.waiting[from] = false
		r.result.Finished++
	}
	allFinal := r.armed && r.result.Finished == r.result.Peers
	r.mu.Unlock()
	if allFinal {
		t.complete(r, false)
	}
	return nil
}

func (t *Tracker) expire(r *Retrieval) {
	t.complete(r, true)
}

// complete moves r to StateComplete once and signals observers.
func (t *Tracker) complete(r *Retrieval, partial bool) {
	r.mu.Lock()
	if r.state == StateComplete {
		r.mu.Unlock()
		return
	}
	r.state = StateComplete
	if r.timer != nil {
		r.timer.Stop()
	}
	r.result.Partial = partial
	r.result.Duration = t.opts.Now().Sub(r.started)
	res := r.result
	close(r.done)
	r.mu.Unlock()

	t.mu.Lock()
	delete(t.pending, r.id)
	t.completed.Add(r.id, r)
	t.mu.Unlock()

	t.opts.Metrics.ObserveRetrieval(metrics.RetrievalHeader{
		RequestID:  res.RequestID,
		Peers:      res.Peers,
		Messages:   res.Delivered,
		Partial:    res.Partial,
		DurationMs: res.Duration.Milliseconds(),
	})
	t.opts.Signals.Emit()
	ev := t.log.Info()
	if partial {
		ev = t.log.Warn()
	}
	ev.Str("request_id", res.RequestID).
		Int("peers", res.Peers).
		Int("finished", res.Finished).
		Int("delivered", res.Delivered).
		Bool("partial", res.Partial).
		Dur("duration", res.Duration).
		Msg("retrieval complete")
}

// Close completes every outstanding retrieval as partial.
func (t *Tracker) Close() {
	t.mu.Lock()
	pending := make([]*Retrieval, 0, len(t.pending))
	for _, r := range t.pending {
		pending = append(pending, r)
	}
	t.mu.Unlock()
	for _, r := range pending {
		t.complete(r, true)
	}
}
