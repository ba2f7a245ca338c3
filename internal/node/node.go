package node

import (
	"os"
	"path/filepath"
	"time"

	"safnode/internal/crypto"
	"safnode/internal/peer"
)

type Node struct {
	ID      [32]byte
	PubKey  []byte
	PrivKey []byte
	Peers   *peer.Store
}

type Options struct {
	PeerStorePath string
	PeerStoreCap  int
	PeerStoreTTL  time.Duration
	PeerStoreLoad int
}

const defaultPeerBook = "peers.jsonl"

const nodeIDLabel = "safnode:nodeid:v1"

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	id := DeriveNodeID(pub)
	path := opts.PeerStorePath
	if path == "" {
		path = filepath.Join(home, defaultPeerBook)
	}
	peers, err := peer.NewStore(path, peer.Options{
		Cap:          opts.PeerStoreCap,
		TTL:          opts.PeerStoreTTL,
		LoadLimit:    opts.PeerStoreLoad,
		DeriveNodeID: DeriveNodeID,
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:      id,
		PubKey:  pub,
		PrivKey: priv,
		Peers:   peers,
	}, nil
}

func DeriveNodeID(pub []byte) [32]byte {
	buf := make([]byte, 0, len(nodeIDLabel)+len(pub))
	buf = append(buf, []byte(nodeIDLabel)...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}

// PeerFromPub builds a peer record whose id is derived from pub.
func PeerFromPub(pub []byte, addr string) peer.Peer {
	return peer.Peer{NodeID: DeriveNodeID(pub), PubKey: pub, Addr: addr}
}
