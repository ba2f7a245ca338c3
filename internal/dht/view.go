package dht

import (
	"sort"

	"safnode/internal/peer"
)

// view is the neighbourhood state owned by the actor goroutine.
type view struct {
	self          [32]byte
	neighbourhood int
	peers         map[[32]byte]peer.Peer
	applied       uint64
}

func newView(self [32]byte, neighbourhood int) *view {
	return &view{
		self:          self,
		neighbourhood: neighbourhood,
		peers:         make(map[[32]byte]peer.Peer),
	}
}

func (v *view) apply(ev peer.Event) {
	if ev.Peer.NodeID == v.self {
		return
	}
	switch ev.Kind {
	case peer.PeerAdded, peer.PeerUpdated:
		v.peers[ev.Peer.NodeID] = ev.Peer
	case peer.PeerRemoved:
		delete(v.peers, ev.Peer.NodeID)
	default:
		return
	}
	v.applied++
}

// closerThan counts known peers strictly closer to key than ref.
func (v *view) closerThan(key, ref [32]byte) int {
	n := 0
	for id := range v.peers {
		if id != ref && Closer(key, id, ref) {
			n++
		}
	}
	return n
}

func (v *view) isResponsible(key [32]byte) bool {
	return v.closerThan(key, v.self) < v.neighbourhood
}

func (v *view) inNeighbourhood(id [32]byte) bool {
	if id == v.self {
		return true
	}
	return v.closerThan(v.self, id) < v.neighbourhood
}

func (v *view) closest(key [32]byte, n int, exclude map[[32]byte]struct{}) []peer.Peer {
	out := make([]peer.Peer, 0, len(v.peers))
	for id, p := range v.peers {
		if _, skip := exclude[id]; skip {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return Closer(key, out[i].NodeID, out[j].NodeID)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].PubKey = append([]byte(nil), out[i].PubKey...)
	}
	return out
}
