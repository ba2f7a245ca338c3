package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"safnode/internal/dht"
	"safnode/internal/metrics"
	"safnode/internal/outbound"
	"safnode/internal/peer"
	"safnode/internal/pipeline"
	"safnode/internal/proto"
	"safnode/internal/saf"
	"safnode/internal/store"
)

var ErrBadRequest = errors.New("bad request")

type SendOptions struct {
	Priority store.Priority
	TTL      time.Duration
	// Direct tries the destination first and stores only when it has no
	// known address or the queue refuses the message.
	Direct   bool
	Replicas int
}

type SendResult struct {
	Mode   string `json:"mode"`
	ID     string `json:"id,omitempty"`
	Queued int    `json:"queued"`
}

// Send delivers body to dest directly or through the nodes closest to it.
func (r *Runner) Send(ctx context.Context, dest [32]byte, body []byte, opts SendOptions) (SendResult, error) {
	if len(body) == 0 {
		return SendResult{}, fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	if dest == r.Self.ID {
		return SendResult{}, fmt.Errorf("%w: destination is this node", ErrBadRequest)
	}
	if opts.Direct {
		err := r.Outbound.SendDirect(ctx, dest, "", proto.MsgTypeApp, body)
		if err == nil {
			return SendResult{Mode: "direct", Queued: 1}, nil
		}
		if !errors.Is(err, outbound.ErrNoAddress) {
			return SendResult{}, err
		}
		r.log.Debug().Hex("destination", dest[:8]).Msg("destination unknown, storing")
	}
	n := opts.Replicas
	if n <= 0 {
		n = r.cfg.SAF.NumClosestNodes
	}
	id, queued, err := r.Outbound.StoreForward(ctx, dest, body, uint8(opts.Priority), opts.TTL, n)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Mode: "store", ID: hex.EncodeToString(id[:]), Queued: queued}, nil
}

// Retrieve asks peers for messages held for this node and waits for the
// result. A partial result is returned together with ErrPartialResult.
func (r *Runner) Retrieve(ctx context.Context, opts pipeline.RetrievalOptions) (pipeline.RetrievalResult, error) {
	ret, err := r.Tracker.RequestMessages(ctx, opts)
	if err != nil {
		return pipeline.RetrievalResult{}, err
	}
	return ret.Wait(ctx)
}

type Stats struct {
	NodeID            string           `json:"node_id"`
	Addr              string           `json:"addr"`
	Peers             int              `json:"peers"`
	SAF               saf.Stats        `json:"saf"`
	DHT               dht.Stats        `json:"dht"`
	Outbound          outbound.Stats   `json:"outbound"`
	PendingRetrievals int              `json:"pending_retrievals"`
	Signals           uint64           `json:"signals"`
	Inbox             uint64           `json:"inbox"`
	Metrics           metrics.Snapshot `json:"metrics"`
}

func (r *Runner) Stats(ctx context.Context) (Stats, error) {
	safStats, err := r.SAF.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("saf stats: %w", err)
	}
	dhtStats, err := r.DHT.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dht stats: %w", err)
	}
	return Stats{
		NodeID:            hex.EncodeToString(r.Self.ID[:]),
		Addr:              r.AdvertiseAddr(),
		Peers:             r.Self.Peers.Len(),
		SAF:               safStats,
		DHT:               dhtStats,
		Outbound:          r.outSvc.Stats(),
		PendingRetrievals: r.Tracker.Pending(),
		Signals:           r.Signals.Emitted(),
		Inbox:             r.Inbox.Total(),
		Metrics:           r.Metrics.Snapshot(),
	}, nil
}

type PeerInfo struct {
	NodeID   string    `json:"node_id"`
	PubKey   string    `json:"pubkey"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

func (r *Runner) Peers() []PeerInfo {
	return peerInfos(r.Self.Peers.List())
}

func peerInfos(peers []peer.Peer) []PeerInfo {
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerInfo{
			NodeID:   hex.EncodeToString(p.NodeID[:]),
			PubKey:   hex.EncodeToString(p.PubKey),
			Addr:     p.Addr,
			LastSeen: p.LastSeen.UTC(),
		})
	}
	return out
}

func ParsePriority(s string) (store.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return store.PriorityLow, nil
	case "high":
		return store.PriorityHigh, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrBadRequest, s)
	}
}
