package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"safnode/internal/config"
	"safnode/internal/crypto"
	"safnode/internal/logging"
	"safnode/internal/metrics"
	"safnode/internal/node"
	"safnode/internal/peer"
	"safnode/internal/proto"
	"safnode/internal/testutil"
)

type delivery struct {
	addr    string
	payload []byte
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []delivery
}

func (f *fakeTransport) Send(_ context.Context, addr string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("unreachable")
	}
	f.got = append(f.got, delivery{addr: addr, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) sent() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.got...)
}

type fakePeers map[[32]byte]peer.Peer

func (f fakePeers) Get(id [32]byte) (peer.Peer, bool) {
	p, ok := f[id]
	return p, ok
}

type fakeClosest struct {
	peers []peer.Peer
	err   error
}

func (f fakeClosest) Closest(_ context.Context, _ [32]byte, n int, _ ...[32]byte) ([]peer.Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.peers) {
		return f.peers[:n], nil
	}
	return f.peers, nil
}

func testConfig() config.OutboundConfig {
	return config.OutboundConfig{
		QueueSize:      8,
		Workers:        2,
		SendTimeout:    time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func newTestService(t *testing.T, cfg config.OutboundConfig, tr Transport, opts Options) (*Service, Requester, []byte) {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	require.NoError(t, err)
	opts.Config = cfg
	opts.PubKey = pub
	opts.PrivKey = priv
	opts.Transport = tr
	opts.Logger = logging.Nop()
	if opts.ReplyAddr == nil {
		opts.ReplyAddr = func() string { return "127.0.0.1:9000" }
	}
	svc, req, err := New(opts)
	require.NoError(t, err)
	return svc, req, pub
}

func start(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func peerFor(t *testing.T, addr string) peer.Peer {
	t.Helper()
	pub, _, err := crypto.GenKeypair()
	require.NoError(t, err)
	return node.PeerFromPub(pub, addr)
}

func TestSendDirectSignsEnvelope(t *testing.T) {
	tr := &fakeTransport{}
	svc, req, pub := newTestService(t, testConfig(), tr, Options{})
	start(t, svc)

	to := peerFor(t, "10.0.0.1:4000")
	require.NoError(t, req.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeSafStoreAck, []byte("ack")))
	testutil.WaitFor(t, 2*time.Second, func() bool { return svc.Stats().Sent == 1 })

	got := tr.sent()[0]
	require.Equal(t, to.Addr, got.addr)
	env, err := proto.DecodeDhtEnvelope(got.payload)
	require.NoError(t, err)
	require.NoError(t, proto.VerifyEnvelope(env))
	require.Equal(t, proto.MsgTypeSafStoreAck, env.MessageType)
	require.Equal(t, proto.EncodeNodeIDHex(to.NodeID), env.Destination)
	require.Equal(t, "127.0.0.1:9000", env.ReplyAddr)
	key, err := env.OriginKey()
	require.NoError(t, err)
	require.Equal(t, pub, key)
	require.Equal(t, []byte("ack"), env.Body)
}

func TestSendDirectResolvesAddress(t *testing.T) {
	tr := &fakeTransport{}
	known := peerFor(t, "10.0.0.2:4000")
	svc, req, _ := newTestService(t, testConfig(), tr, Options{Peers: fakePeers{known.NodeID: known}})
	start(t, svc)

	require.NoError(t, req.SendDirect(context.Background(), known.NodeID, "", proto.MsgTypeApp, []byte("x")))
	testutil.WaitFor(t, 2*time.Second, func() bool { return len(tr.sent()) == 1 })
	require.Equal(t, known.Addr, tr.sent()[0].addr)

	unknown := peerFor(t, "")
	err := req.SendDirect(context.Background(), unknown.NodeID, "", proto.MsgTypeApp, []byte("x"))
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestRetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	m := metrics.New()
	svc, req, _ := newTestService(t, testConfig(), tr, Options{Metrics: m})
	start(t, svc)

	to := peerFor(t, "10.0.0.3:4000")
	require.NoError(t, req.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeApp, []byte("x")))
	testutil.WaitFor(t, 2*time.Second, func() bool { return svc.Stats().Sent == 1 })

	st := svc.Stats()
	require.Equal(t, uint64(2), st.Retries)
	require.Equal(t, uint64(1), st.Sent)
	require.Zero(t, st.Failed)
	require.Equal(t, uint64(2), m.Snapshot().Outbound.Retries)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	tr := &fakeTransport{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 2
	svc, req, _ := newTestService(t, cfg, tr, Options{})
	start(t, svc)

	to := peerFor(t, "10.0.0.4:4000")
	require.NoError(t, req.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeApp, []byte("x")))
	testutil.WaitFor(t, 2*time.Second, func() bool { return svc.Stats().Failed == 1 })

	tr.mu.Lock()
	calls := tr.calls
	tr.mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestQueueFullIsBusy(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	svc, req, _ := newTestService(t, cfg, &fakeTransport{}, Options{})

	to := peerFor(t, "10.0.0.5:4000")
	require.NoError(t, req.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeApp, []byte("a")))
	err := req.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeApp, []byte("b"))
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, uint64(1), svc.Stats().Busy)
	require.Equal(t, 1, svc.Stats().Queued)
}

func TestSendAfterStopIsDisconnected(t *testing.T) {
	svc, req, _ := newTestService(t, testConfig(), &fakeTransport{}, Options{})
	cancel := start(t, svc)
	cancel()
	to := peerFor(t, "10.0.0.6:4000")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return errors.Is(req.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeApp, []byte("x")), ErrDisconnected)
	})

	var zero Requester
	require.ErrorIs(t, zero.SendDirect(context.Background(), to.NodeID, to.Addr, proto.MsgTypeApp, nil), ErrDisconnected)
}

func TestSendToClosest(t *testing.T) {
	tr := &fakeTransport{}
	peers := []peer.Peer{peerFor(t, "10.0.1.1:4000"), peerFor(t, ""), peerFor(t, "10.0.1.3:4000")}
	svc, req, _ := newTestService(t, testConfig(), tr, Options{DHT: fakeClosest{peers: peers}})
	start(t, svc)

	n, err := req.SendToClosest(context.Background(), [32]byte{1}, 3, proto.MsgTypeSafRetrieve, []byte("r"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	testutil.WaitFor(t, 2*time.Second, func() bool { return len(tr.sent()) == 2 })

	_, err = req.SendToClosest(context.Background(), [32]byte{1}, 3, proto.MsgTypeSafRetrieve, []byte("r"))
	require.NoError(t, err)

	_, req2, _ := newTestService(t, testConfig(), tr, Options{DHT: fakeClosest{err: ErrBusy}})
	_, err = req2.SendToClosest(context.Background(), [32]byte{1}, 3, proto.MsgTypeSafRetrieve, []byte("r"))
	require.ErrorIs(t, err, ErrBusy)

	_, req3, _ := newTestService(t, testConfig(), tr, Options{DHT: fakeClosest{}})
	_, err = req3.SendToClosest(context.Background(), [32]byte{1}, 3, proto.MsgTypeSafRetrieve, []byte("r"))
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestNewRequiresTransportAndKeys(t *testing.T) {
	_, _, err := New(Options{})
	require.Error(t, err)
	_, _, err = New(Options{Transport: &fakeTransport{}})
	require.Error(t, err)
}

func TestStoreForwardSignsOrigin(t *testing.T) {
	tr := &fakeTransport{}
	relays := []peer.Peer{peerFor(t, "10.0.2.1:4000"), peerFor(t, "10.0.2.2:4000")}
	svc, req, pub := newTestService(t, testConfig(), tr, Options{DHT: fakeClosest{peers: relays}})
	start(t, svc)

	dest := peerFor(t, "")
	id, n, err := req.StoreForward(context.Background(), dest.NodeID, []byte("hold this"), 1, time.Hour, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	testutil.WaitFor(t, 2*time.Second, func() bool { return svc.Stats().Sent == 2 })

	env, err := proto.DecodeDhtEnvelope(tr.sent()[0].payload)
	require.NoError(t, err)
	require.Equal(t, proto.MsgTypeSafStore, env.MessageType)
	msg, err := proto.DecodeStoreRequestMsg(env.Body)
	require.NoError(t, err)
	require.Equal(t, proto.EncodeNodeIDHex(dest.NodeID), msg.Destination)
	require.Equal(t, proto.EncodeNodeIDHex(node.DeriveNodeID(pub)), msg.Origin)
	require.Equal(t, int64(3600), msg.TTLSec)
	require.Equal(t, proto.MessageID(dest.NodeID, node.DeriveNodeID(pub), []byte("hold this")), id)
	sig, err := proto.DecodeOriginSig(msg.OriginSig)
	require.NoError(t, err)
	require.True(t, crypto.VerifyDigest(pub, proto.OriginSigDigest(id), sig))
}
