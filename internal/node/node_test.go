package node

import (
	"bytes"
	"testing"

	"safnode/internal/crypto"
)

func TestDeriveNodeID(t *testing.T) {
	pub := []byte("test-pubkey")
	got := DeriveNodeID(pub)
	want := crypto.SHA3_256(append([]byte(nodeIDLabel), pub...))
	if !bytes.Equal(got[:], want) {
		t.Fatalf("unexpected node id")
	}
	other := DeriveNodeID([]byte("test-pubkez"))
	if got == other {
		t.Fatalf("distinct keys share an id")
	}
}

func TestNewNodeGeneratesKeys(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	if len(n.PubKey) == 0 || len(n.PrivKey) == 0 {
		t.Fatalf("expected keypair to be generated")
	}
	if _, _, err := crypto.LoadKeypair(dir); err != nil {
		t.Fatalf("expected keypair persisted: %v", err)
	}
	if n.ID != DeriveNodeID(n.PubKey) {
		t.Fatalf("node id not derived from pubkey")
	}
}

func TestNewNodeReusesKeys(t *testing.T) {
	dir := t.TempDir()
	first, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	second, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("identity changed across restart")
	}
}

func TestPeerBookPersists(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	p := PeerFromPub(pub, "127.0.0.1:4242")
	if err := n.Peers.Upsert(p, true); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	again, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok := again.Peers.Get(p.NodeID)
	if !ok || got.Addr != "127.0.0.1:4242" {
		t.Fatalf("peer not restored: %+v", got)
	}
}
