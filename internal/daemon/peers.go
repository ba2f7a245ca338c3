package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"safnode/internal/crypto"
	"safnode/internal/node"
	"safnode/internal/peer"
	"safnode/internal/pipeline"
)

type bootstrapPeer struct {
	pub  []byte
	addr string
}

// parseBootstrap reads "pubhex@host:port" entries.
func parseBootstrap(entries []string) ([]bootstrapPeer, error) {
	out := make([]bootstrapPeer, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		pubHex, addr, ok := strings.Cut(entry, "@")
		if !ok {
			return nil, fmt.Errorf("bootstrap %q: want pubkey@host:port", entry)
		}
		pub, err := hex.DecodeString(pubHex)
		if err != nil || !crypto.IsPublicKey(pub) {
			return nil, fmt.Errorf("bootstrap %q: bad public key", entry)
		}
		if !isAddrParseable(addr) {
			return nil, fmt.Errorf("bootstrap %q: bad address", entry)
		}
		out = append(out, bootstrapPeer{pub: pub, addr: addr})
	}
	return out, nil
}

func isAddrParseable(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && port != ""
}

func (r *Runner) seedBootstrap() {
	for _, bp := range r.bootstrap {
		p := node.PeerFromPub(bp.pub, bp.addr)
		if p.NodeID == r.Self.ID {
			continue
		}
		if err := r.Self.Peers.Upsert(p, false); err != nil {
			r.log.Warn().Err(err).Str("addr", bp.addr).Msg("bootstrap peer rejected")
			continue
		}
		r.log.Debug().Hex("peer", p.NodeID[:8]).Str("addr", bp.addr).Msg("bootstrap peer added")
	}
}

// learnPeers records the verified origin of every envelope that carries a
// reply address. It sits behind the validation layer.
func learnPeers(self *node.Node, log zerolog.Logger) pipeline.Layer {
	log = log.With().Str("component", "pipeline").Str("layer", "peers").Logger()
	return pipeline.LayerFunc(func(next pipeline.Service) pipeline.Service {
		return pipeline.ServiceFunc(func(ctx context.Context, msg *pipeline.InboundMessage) error {
			if addr := msg.Envelope.ReplyAddr; addr != "" && len(msg.OriginPub) > 0 && isAddrParseable(addr) {
				p := peer.Peer{NodeID: msg.Origin, PubKey: msg.OriginPub, Addr: addr}
				if err := self.Peers.Upsert(p, true); err != nil {
					log.Debug().Err(err).Hex("peer", msg.Origin[:8]).Msg("peer not recorded")
				}
			}
			return next.Call(ctx, msg)
		})
	})
}
