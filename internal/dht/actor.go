// Package dht keeps this node's view of its XOR neighbourhood and answers
// proximity questions for the SAF layer.
package dht

import (
	"context"

	"github.com/rs/zerolog"

	"safnode/internal/actor"
	"safnode/internal/peer"
)

const (
	DefaultNeighbourhoodSize = 8
	DefaultMailboxSize       = 64
	eventBuffer              = 256
)

// PeerSource is the slice of the peer manager the actor needs.
type PeerSource interface {
	List() []peer.Peer
	Subscribe(buf int) (<-chan peer.Event, func())
}

type Options struct {
	NeighbourhoodSize int
	MailboxSize       int
	Logger            zerolog.Logger
}

type Stats struct {
	Peers             int    `json:"peers"`
	NeighbourhoodSize int    `json:"neighbourhood_size"`
	EventsApplied     uint64 `json:"events_applied"`
}

type op func(v *view)

// Actor serializes every read and write of the neighbourhood view.
type Actor struct {
	view   *view
	mb     *actor.Mailbox[op]
	source PeerSource
	log    zerolog.Logger
}

func New(self [32]byte, source PeerSource, opts Options) (*Actor, Requester) {
	if opts.NeighbourhoodSize <= 0 {
		opts.NeighbourhoodSize = DefaultNeighbourhoodSize
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	a := &Actor{
		view:   newView(self, opts.NeighbourhoodSize),
		mb:     actor.NewMailbox[op](opts.MailboxSize),
		source: source,
		log:    opts.Logger.With().Str("component", "dht").Logger(),
	}
	return a, Requester{mb: a.mb}
}

// Run owns the view until ctx ends. Requesters see ErrDisconnected after.
func (a *Actor) Run(ctx context.Context) error {
	defer a.mb.Close()
	var events <-chan peer.Event
	if a.source != nil {
		ch, cancel := a.source.Subscribe(eventBuffer)
		defer cancel()
		events = ch
		for _, p := range a.source.List() {
			a.view.apply(peer.Event{Kind: peer.PeerAdded, Peer: p})
		}
	}
	a.log.Info().Int("peers", len(a.view.peers)).Msg("dht actor started")
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("dht actor stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.view.apply(ev)
			a.log.Debug().
				Str("event", ev.Kind.String()).
				Hex("peer", ev.Peer.NodeID[:8]).
				Int("peers", len(a.view.peers)).
				Msg("peer event")
		case fn := <-a.mb.Recv():
			fn(a.view)
		}
	}
}

// Requester is a cheap, copyable handle onto the actor.
type Requester struct {
	mb *actor.Mailbox[op]
}

func call[R any](ctx context.Context, r Requester, fn func(v *view) R) (R, error) {
	if r.mb == nil {
		var zero R
		return zero, actor.ErrDisconnected
	}
	return actor.Call(ctx, r.mb, func(reply chan<- R) op {
		return func(v *view) { actor.Reply(reply, fn(v)) }
	})
}

// IsResponsible reports whether fewer than NeighbourhoodSize known peers are
// strictly closer to key than this node.
func (r Requester) IsResponsible(ctx context.Context, key [32]byte) (bool, error) {
	return call(ctx, r, func(v *view) bool { return v.isResponsible(key) })
}

// InNeighbourhood reports whether id is among the peers closest to this node.
func (r Requester) InNeighbourhood(ctx context.Context, id [32]byte) (bool, error) {
	return call(ctx, r, func(v *view) bool { return v.inNeighbourhood(id) })
}

// Closest returns up to n known peers ordered by distance to key.
func (r Requester) Closest(ctx context.Context, key [32]byte, n int, exclude ...[32]byte) ([]peer.Peer, error) {
	skip := make(map[[32]byte]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	return call(ctx, r, func(v *view) []peer.Peer { return v.closest(key, n, skip) })
}

func (r Requester) Stats(ctx context.Context) (Stats, error) {
	return call(ctx, r, func(v *view) Stats {
		return Stats{
			Peers:             len(v.peers),
			NeighbourhoodSize: v.neighbourhood,
			EventsApplied:     v.applied,
		}
	})
}
