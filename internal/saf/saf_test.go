package saf

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"safnode/internal/config"
	"safnode/internal/crypto"
	"safnode/internal/node"
	"safnode/internal/peer"
	"safnode/internal/proto"
	"safnode/internal/store"
	"safnode/internal/testutil"
)

type fakeDHT struct {
	mu          sync.Mutex
	responsible bool
	neighbour   bool
	err         error
}

func (f *fakeDHT) IsResponsible(context.Context, [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responsible, f.err
}

func (f *fakeDHT) InNeighbourhood(context.Context, [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.neighbour, f.err
}

type fakePeers map[[32]byte]peer.Peer

func (f fakePeers) Get(id [32]byte) (peer.Peer, bool) {
	p, ok := f[id]
	return p, ok
}

type sent struct {
	to      [32]byte
	addr    string
	msgType string
	body    []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) SendDirect(_ context.Context, to [32]byte, addr, msgType string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{to: to, addr: addr, msgType: msgType, body: body})
	return nil
}

func (f *fakeSender) responses(t *testing.T) []proto.RetrieveResponseMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.RetrieveResponseMsg, 0, len(f.sent))
	for _, s := range f.sent {
		require.Equal(t, proto.MsgTypeSafResponse, s.msgType)
		resp, err := proto.DecodeRetrieveResponseMsg(s.body)
		require.NoError(t, err)
		out = append(out, resp)
	}
	return out
}

type clock struct{ ns atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.ns.Store(time.Unix(1_700_000_000, 0).UnixNano())
	return c
}

func (c *clock) now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *clock) advance(d time.Duration) { c.ns.Add(int64(d)) }

type harness struct {
	req    Requester
	dht    *fakeDHT
	peers  fakePeers
	sender *fakeSender
	clock  *clock
	self   [32]byte
	cancel context.CancelFunc
}

func testConfig() config.SAFConfig {
	return config.Default().SAF
}

func newHarness(t *testing.T, cfg config.SAFConfig, storeOpts store.Options, start bool) *harness {
	t.Helper()
	st, err := store.New(storeOpts, time.Now())
	require.NoError(t, err)
	h := &harness{
		dht:    &fakeDHT{responsible: true},
		peers:  fakePeers{},
		sender: &fakeSender{},
		clock:  newClock(),
		self:   nodeID(0xaa),
	}
	a, req, err := New(Options{
		Self:     h.self,
		Config:   cfg,
		Store:    st,
		DHT:      h.dht,
		Peers:    h.peers,
		Outbound: h.sender,
		Now:      h.clock.now,
	})
	require.NoError(t, err)
	h.req = req
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if !start {
		t.Cleanup(cancel)
		return h
	}
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func nodeID(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	id[31] = 1
	return id
}

type origin struct {
	id   [32]byte
	pub  []byte
	priv []byte
}

func newOrigin(t *testing.T) origin {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	require.NoError(t, err)
	return origin{id: node.DeriveNodeID(pub), pub: pub, priv: priv}
}

func (o origin) request(t *testing.T, dest [32]byte, body string, p store.Priority) StoreRequest {
	t.Helper()
	id := proto.MessageID(dest, o.id, []byte(body))
	sig, err := crypto.SignDigest(o.priv, proto.OriginSigDigest(id))
	require.NoError(t, err)
	return StoreRequest{
		Destination: dest,
		Origin:      o.id,
		OriginPub:   o.pub,
		OriginSig:   sig,
		Body:        []byte(body),
		Priority:    p,
	}
}

func TestStoreThenDuplicate(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)
	req := o.request(t, nodeID(1), "hello", store.PriorityLow)

	res, err := h.req.Store(ctx, req)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeStored, res.Outcome)
	require.Equal(t, proto.MessageID(nodeID(1), o.id, []byte("hello")), res.ID)

	res, err = h.req.Store(ctx, req)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeAlreadyPresent, res.Outcome)

	msgs, err := h.req.Query(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].StoredAt.Equal(h.clock.now().Truncate(time.Millisecond)))
}

func TestStoreValidation(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)
	other := newOrigin(t)

	cases := map[string]func(r *StoreRequest){
		"zero destination": func(r *StoreRequest) { r.Destination = [32]byte{} },
		"zero origin":      func(r *StoreRequest) { r.Origin = [32]byte{} },
		"empty body":       func(r *StoreRequest) { r.Body = nil },
		"negative ttl":     func(r *StoreRequest) { r.TTL = -time.Second },
		"bad priority":     func(r *StoreRequest) { r.Priority = 7 },
		"self destination": func(r *StoreRequest) { r.Destination = h.self },
		"foreign key":      func(r *StoreRequest) { r.OriginPub = other.pub },
		"bad signature":    func(r *StoreRequest) { r.OriginSig = make([]byte, crypto.SignatureSize) },
		"unsigned":         func(r *StoreRequest) { r.OriginSig = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := o.request(t, nodeID(1), "body", store.PriorityLow)
			mutate(&req)
			_, err := h.req.Store(ctx, req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	st, err := h.req.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Store.Count)
}

func TestStoreTooLarge(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, store.Options{MaxItemBytes: 256}, true)
	o := newOrigin(t)
	req := o.request(t, nodeID(1), string(make([]byte, 512)), store.PriorityHigh)
	_, err := h.req.Store(context.Background(), req)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestStoreAdmission(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)

	h.dht.mu.Lock()
	h.dht.responsible = false
	h.dht.mu.Unlock()
	_, err := h.req.Store(ctx, o.request(t, nodeID(1), "far away", store.PriorityLow))
	require.ErrorIs(t, err, ErrNotResponsible)

	direct := o.request(t, nodeID(1), "direct", store.PriorityLow)
	direct.Direct = true
	_, err = h.req.Store(ctx, direct)
	require.ErrorIs(t, err, ErrNotResponsible, "unknown origin")

	h.peers[o.id] = peer.Peer{NodeID: o.id, PubKey: o.pub}
	res, err := h.req.Store(ctx, direct)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeStored, res.Outcome)

	h.dht.mu.Lock()
	h.dht.responsible = true
	h.dht.err = errors.New("dht down")
	h.dht.mu.Unlock()
	_, err = h.req.Store(ctx, o.request(t, nodeID(1), "closed", store.PriorityLow))
	require.ErrorIs(t, err, ErrNotResponsible)
}

func TestStoreDirectRefusedWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptDirectRequest = false
	h := newHarness(t, cfg, store.Options{}, true)
	o := newOrigin(t)
	h.peers[o.id] = peer.Peer{NodeID: o.id, PubKey: o.pub}
	h.dht.responsible = false
	req := o.request(t, nodeID(1), "direct", store.PriorityLow)
	req.Direct = true
	_, err := h.req.Store(context.Background(), req)
	require.ErrorIs(t, err, ErrNotResponsible)
}

func TestTTLClamp(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)

	check := func(body string, p store.Priority, ttl, want time.Duration) {
		t.Helper()
		req := o.request(t, nodeID(1), body, p)
		req.TTL = ttl
		res, err := h.req.Store(ctx, req)
		require.NoError(t, err)
		msgs, err := h.req.Query(ctx, store.Filter{})
		require.NoError(t, err)
		for _, m := range msgs {
			if m.ID == res.ID {
				require.Equal(t, want, m.ExpiresAt.Sub(m.StoredAt), body)
				return
			}
		}
		t.Fatalf("%s not stored", body)
	}
	check("low default", store.PriorityLow, 0, cfg.LowPriorityTTL)
	check("high default", store.PriorityHigh, 0, cfg.HighPriorityTTL)
	check("too long", store.PriorityLow, 30*24*time.Hour, cfg.MaxTTL)
	check("too short", store.PriorityLow, time.Millisecond, time.Second)
	check("explicit", store.PriorityLow, time.Hour, time.Hour)
}

func TestConcurrentStoresFromManyGoroutines(t *testing.T) {
	cfg := testConfig()
	cfg.MailboxSize = 8
	h := newHarness(t, cfg, store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				req := o.request(t, nodeID(byte(i%4+1)), fmt.Sprintf("w%d-%d", w, i), store.PriorityLow)
				for {
					_, err := h.req.Store(ctx, req)
					if errors.Is(err, ErrBusy) {
						time.Sleep(time.Millisecond)
						continue
					}
					if err != nil {
						errCh <- err
					}
					break
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	st, err := h.req.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, workers*perWorker, st.Store.Count)
	require.Equal(t, uint64(workers*perWorker), st.Stored)
}

func seed(t *testing.T, h *harness, o origin, dest [32]byte, n int, prefix string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.req.Store(context.Background(), o.request(t, dest, fmt.Sprintf("%s-%d", prefix, i), store.PriorityLow))
		require.NoError(t, err)
		h.clock.advance(time.Millisecond)
	}
}

func TestRetrieveBatchesAndRemoves(t *testing.T) {
	cfg := testConfig()
	cfg.BatchMaxCount = 2
	h := newHarness(t, cfg, store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)
	requester := nodeID(1)
	seed(t, h, o, requester, 5, "mine")
	seed(t, h, o, nodeID(2), 2, "theirs")

	report, err := h.req.Retrieve(ctx, RetrieveRequest{
		RequestID: "r1",
		Requester: requester,
		ReplyAddr: "127.0.0.1:7000",
	})
	require.NoError(t, err)
	require.Equal(t, RetrieveReport{Messages: 5, Batches: 3, Removed: 5}, report)

	resps := h.sender.responses(t)
	require.Len(t, resps, 3)
	total := 0
	for i, r := range resps {
		require.Equal(t, "r1", r.RequestID)
		require.Equal(t, i == 2, r.IsFinal)
		for _, w := range r.Batch {
			m, err := store.FromWire(w)
			require.NoError(t, err)
			require.Equal(t, requester, m.Destination)
		}
		total += len(r.Batch)
	}
	require.Equal(t, 5, total)
	h.sender.mu.Lock()
	require.Equal(t, "127.0.0.1:7000", h.sender.sent[0].addr)
	require.Equal(t, requester, h.sender.sent[0].to)
	h.sender.mu.Unlock()

	remaining, err := h.req.Query(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestRetrieveEmptySendsOneFinalBatch(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	report, err := h.req.Retrieve(context.Background(), RetrieveRequest{RequestID: "r2", Requester: nodeID(9)})
	require.NoError(t, err)
	require.Equal(t, 1, report.Batches)
	resps := h.sender.responses(t)
	require.Len(t, resps, 1)
	require.True(t, resps[0].IsFinal)
	require.Empty(t, resps[0].Batch)
}

func TestRetrieveLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReturnedMessages = 3
	cfg.RemoveOnDelivery = false
	h := newHarness(t, cfg, store.Options{}, true)
	o := newOrigin(t)
	seed(t, h, o, nodeID(1), 6, "m")

	report, err := h.req.Retrieve(context.Background(), RetrieveRequest{RequestID: "a", Requester: nodeID(1), MaxCount: 10})
	require.NoError(t, err)
	require.Equal(t, 3, report.Messages, "capped by max_returned_messages")
	require.Zero(t, report.Removed)

	report, err = h.req.Retrieve(context.Background(), RetrieveRequest{RequestID: "b", Requester: nodeID(1), MaxCount: 2})
	require.NoError(t, err)
	require.Equal(t, 2, report.Messages)

	since := h.clock.now().Add(-2 * time.Millisecond)
	report, err = h.req.Retrieve(context.Background(), RetrieveRequest{RequestID: "c", Requester: nodeID(1), Since: since})
	require.NoError(t, err)
	require.Equal(t, 2, report.Messages)
}

func TestRetrieveBroad(t *testing.T) {
	cfg := testConfig()
	cfg.RemoveOnDelivery = false
	h := newHarness(t, cfg, store.Options{}, true)
	o := newOrigin(t)
	seed(t, h, o, nodeID(1), 2, "a")
	seed(t, h, o, nodeID(2), 3, "b")
	ctx := context.Background()

	h.dht.mu.Lock()
	h.dht.neighbour = true
	h.dht.mu.Unlock()
	report, err := h.req.Retrieve(ctx, RetrieveRequest{RequestID: "x", Requester: nodeID(1), Broad: true})
	require.NoError(t, err)
	require.Equal(t, 5, report.Messages)

	h.dht.mu.Lock()
	h.dht.err = errors.New("dht down")
	h.dht.mu.Unlock()
	report, err = h.req.Retrieve(ctx, RetrieveRequest{RequestID: "y", Requester: nodeID(1), Broad: true})
	require.NoError(t, err)
	require.Equal(t, 2, report.Messages, "falls back to destination only")
}

func TestRetrieveQueueFailureKeepsMessages(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	o := newOrigin(t)
	seed(t, h, o, nodeID(1), 2, "keep")
	h.sender.mu.Lock()
	h.sender.err = ErrBusy
	h.sender.mu.Unlock()

	_, err := h.req.Retrieve(context.Background(), RetrieveRequest{RequestID: "z", Requester: nodeID(1)})
	require.ErrorIs(t, err, ErrBusy)
	msgs, err := h.req.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestRetrieveValidation(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	_, err := h.req.Retrieve(context.Background(), RetrieveRequest{Requester: nodeID(1)})
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.req.Retrieve(context.Background(), RetrieveRequest{RequestID: "q", Requester: nodeID(1), MaxCount: -1})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSweepRemovesExpired(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)
	short := o.request(t, nodeID(1), "short", store.PriorityLow)
	short.TTL = time.Second
	_, err := h.req.Store(ctx, short)
	require.NoError(t, err)
	long := o.request(t, nodeID(1), "long", store.PriorityLow)
	long.TTL = time.Hour
	_, err = h.req.Store(ctx, long)
	require.NoError(t, err)

	h.clock.advance(2 * time.Second)
	testutil.WaitFor(t, time.Second, func() bool {
		st, err := h.req.Stats(ctx)
		return err == nil && st.Store.Count == 1 && st.Swept == 1
	})
}

func TestRemove(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	ctx := context.Background()
	o := newOrigin(t)
	res, err := h.req.Store(ctx, o.request(t, nodeID(1), "gone", store.PriorityLow))
	require.NoError(t, err)
	n, err := h.req.Remove(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.req.Remove(ctx, res.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRequesterBusyAndDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.MailboxSize = 1
	h := newHarness(t, cfg, store.Options{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.req.Stats(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.req.Stats(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	var zero Requester
	_, err = zero.Stats(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestRequesterAfterStop(t *testing.T) {
	h := newHarness(t, testConfig(), store.Options{}, true)
	h.cancel()
	testutil.WaitFor(t, time.Second, func() bool {
		_, err := h.req.Stats(context.Background())
		return errors.Is(err, ErrDisconnected)
	})
}

func TestSplitBatches(t *testing.T) {
	mk := func(n int) store.StoredMessage {
		return store.StoredMessage{Body: make([]byte, n)}
	}
	msgs := []store.StoredMessage{mk(10), mk(10), mk(500), mk(10)}
	size := msgs[0].Size()
	got := splitBatches(msgs, 10, 2*size, 0)
	require.Len(t, got, 3)
	require.Len(t, got[0], 2)
	require.Len(t, got[1], 1, "oversized message travels alone")
	require.Len(t, got[2], 1)
	require.Len(t, splitBatches(nil, 5, 100, 0), 1)
}

func TestReason(t *testing.T) {
	require.Equal(t, "store_full", Reason(fmt.Errorf("wrap: %w", ErrStoreFull)))
	require.Equal(t, "not_responsible", Reason(ErrNotResponsible))
	require.Equal(t, "ok", Reason(nil))
}

func TestVerifyStored(t *testing.T) {
	o := newOrigin(t)
	other := newOrigin(t)
	req := o.request(t, nodeID(1), "signed", store.PriorityLow)
	msg := store.StoredMessage{
		ID:          proto.MessageID(req.Destination, req.Origin, req.Body),
		Destination: req.Destination,
		Origin:      req.Origin,
		OriginPub:   req.OriginPub,
		OriginSig:   req.OriginSig,
		Body:        req.Body,
	}
	require.NoError(t, VerifyStored(msg))

	swapped := msg
	swapped.Body = []byte("other")
	require.ErrorIs(t, VerifyStored(swapped), ErrValidation)

	foreign := msg
	foreign.OriginPub = other.pub
	require.ErrorIs(t, VerifyStored(foreign), ErrValidation)

	unsigned := msg
	unsigned.OriginSig = nil
	require.ErrorIs(t, VerifyStored(unsigned), ErrValidation)
}

func TestSplitBatchesFitsFrame(t *testing.T) {
	o := newOrigin(t)
	var msgs []store.StoredMessage
	for _, body := range []string{"a", "b"} {
		req := o.request(t, nodeID(1), body+string(make([]byte, 400<<10)), store.PriorityLow)
		msgs = append(msgs, store.StoredMessage{
			ID:          proto.MessageID(req.Destination, req.Origin, req.Body),
			Destination: req.Destination,
			Origin:      req.Origin,
			OriginPub:   req.OriginPub,
			OriginSig:   req.OriginSig,
			Body:        req.Body,
			StoredAt:    time.UnixMilli(1000),
			ExpiresAt:   time.UnixMilli(2000),
		})
	}
	batches := splitBatches(msgs, 20, 1<<20, proto.MaxResponseBatchWire)
	require.Len(t, batches, 2)
	for i, batch := range batches {
		body, err := proto.EncodeRetrieveResponseMsg(proto.RetrieveResponseMsg{
			RequestID: "0123456789abcdef0123456789abcdef",
			Batch:     wireBatch(batch),
			IsFinal:   i == len(batches)-1,
		})
		require.NoError(t, err)
		env := proto.DhtEnvelope{
			MessageType: proto.MsgTypeSafResponse,
			OriginPub:   hex.EncodeToString(o.pub),
			Destination: proto.EncodeNodeIDHex(nodeID(1)),
			ReplyAddr:   "203.0.113.10:4433",
			Timestamp:   time.Now().UnixMilli(),
			Body:        body,
		}
		require.NoError(t, proto.SignEnvelope(&env, o.priv))
		data, err := proto.EncodeDhtEnvelope(env)
		require.NoError(t, err)
		require.LessOrEqual(t, len(data), proto.MaxFrameSize)
	}
}
