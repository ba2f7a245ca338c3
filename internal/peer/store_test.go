package peer_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"safnode/internal/crypto"
	"safnode/internal/node"
	"safnode/internal/peer"
)

func newStore(t *testing.T, opts peer.Options) *peer.Store {
	t.Helper()
	opts.DeriveNodeID = node.DeriveNodeID
	st, err := peer.NewStore(filepath.Join(t.TempDir(), "peers.jsonl"), opts)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return st
}

func newPeer(t *testing.T, addr string) peer.Peer {
	t.Helper()
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	return node.PeerFromPub(pub, addr)
}

func TestStoreCapEviction(t *testing.T) {
	st := newStore(t, peer.Options{Cap: 2, TTL: time.Hour})
	p1 := newPeer(t, "")
	p2 := newPeer(t, "")
	p3 := newPeer(t, "")

	if err := st.Upsert(p1, false); err != nil {
		t.Fatalf("upsert p1 failed: %v", err)
	}
	if err := st.Upsert(p2, false); err != nil {
		t.Fatalf("upsert p2 failed: %v", err)
	}
	if err := st.Upsert(p1, false); err != nil {
		t.Fatalf("touch p1 failed: %v", err)
	}
	if err := st.Upsert(p3, false); err != nil {
		t.Fatalf("upsert p3 failed: %v", err)
	}
	if st.Len() != 2 {
		t.Fatalf("expected 2 peers, got %d", st.Len())
	}
	peers := st.List()
	if hasPeer(peers, p2.NodeID) {
		t.Fatalf("expected p2 evicted")
	}
	if !hasPeer(peers, p1.NodeID) || !hasPeer(peers, p3.NodeID) {
		t.Fatalf("expected p1 and p3 to remain")
	}
}

func TestStoreRejectsMismatchedID(t *testing.T) {
	st := newStore(t, peer.Options{})
	p := newPeer(t, "")
	p.NodeID[0] ^= 0xff
	if err := st.Upsert(p, false); !errors.Is(err, peer.ErrIDMismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if st.Len() != 0 {
		t.Fatalf("mismatched peer stored")
	}
}

func TestStoreAddrConflict(t *testing.T) {
	st := newStore(t, peer.Options{})
	p1 := newPeer(t, "127.0.0.1:1111")
	p2 := newPeer(t, "127.0.0.1:1111")
	if err := st.Upsert(p1, false); err != nil {
		t.Fatalf("upsert p1 failed: %v", err)
	}
	if err := st.Upsert(p2, false); !errors.Is(err, peer.ErrAddrConflict) {
		t.Fatalf("expected addr conflict, got %v", err)
	}
	got, ok := st.Get(p1.NodeID)
	if !ok || got.Addr != "127.0.0.1:1111" {
		t.Fatalf("expected p1 addr to remain")
	}
}

func TestStoreEvents(t *testing.T) {
	st := newStore(t, peer.Options{})
	events, cancel := st.Subscribe(8)
	defer cancel()

	p := newPeer(t, "127.0.0.1:2000")
	if err := st.Upsert(p, false); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := st.Upsert(p, false); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	p.Addr = "127.0.0.1:2001"
	if err := st.Upsert(p, false); err != nil {
		t.Fatalf("addr change failed: %v", err)
	}
	if !st.Remove(p.NodeID, false) {
		t.Fatalf("remove reported missing peer")
	}
	want := []peer.EventKind{peer.PeerAdded, peer.PeerUpdated, peer.PeerRemoved}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Fatalf("event %d: expected %s, got %s", i, kind, ev.Kind)
			}
			if ev.Peer.NodeID != p.NodeID {
				t.Fatalf("event %d: wrong peer", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %s", ev.Kind)
	default:
	}
}

func TestStoreTTLPruneEmitsRemoved(t *testing.T) {
	now := time.Now()
	st := newStore(t, peer.Options{TTL: time.Minute, Now: func() time.Time { return now }})
	events, cancel := st.Subscribe(8)
	defer cancel()
	p := newPeer(t, "")
	if err := st.Upsert(p, false); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	<-events
	now = now.Add(2 * time.Minute)
	if n := st.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	ev := <-events
	if ev.Kind != peer.PeerRemoved {
		t.Fatalf("expected removed event, got %s", ev.Kind)
	}
}

func TestStorePersistAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.jsonl")
	opts := peer.Options{DeriveNodeID: node.DeriveNodeID}
	st, err := peer.NewStore(path, opts)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	keep := newPeer(t, "127.0.0.1:3000")
	drop := newPeer(t, "127.0.0.1:3001")
	if err := st.Upsert(keep, true); err != nil {
		t.Fatalf("upsert keep failed: %v", err)
	}
	if err := st.Upsert(drop, true); err != nil {
		t.Fatalf("upsert drop failed: %v", err)
	}
	st.Remove(drop.NodeID, true)

	reopened, err := peer.NewStore(path, opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("expected 1 peer after reopen, got %d", reopened.Len())
	}
	got, ok := reopened.Get(keep.NodeID)
	if !ok || got.Addr != keep.Addr {
		t.Fatalf("kept peer not restored")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	st := newStore(t, peer.Options{})
	_, cancel := st.Subscribe(1)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := st.Upsert(newPeer(t, ""), false); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	if st.DroppedEvents() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", st.DroppedEvents())
	}
}

func hasPeer(peers []peer.Peer, id [32]byte) bool {
	for _, p := range peers {
		if p.NodeID == id {
			return true
		}
	}
	return false
}
