package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"safnode/internal/logging"
	"safnode/internal/metrics"
	"safnode/internal/pipeline"
	"safnode/internal/proto"
)

var errUnhandledType = errors.New("no handler for message type")

// InboxMessage is an application message delivered to this node.
type InboxMessage struct {
	ID         string    `json:"id,omitempty"`
	Origin     string    `json:"origin"`
	Body       []byte    `json:"body"`
	Stored     bool      `json:"stored"`
	SentAt     time.Time `json:"sent_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// Inbox is the last stage of the pipeline. It keeps the most recent
// application messages and passes them on to an optional app service.
type Inbox struct {
	mu      sync.Mutex
	ring    []InboxMessage
	next    int
	full    bool
	total   uint64
	app     pipeline.Service
	metrics *metrics.Metrics
	limiter *logging.RateLimiter
	log     zerolog.Logger
}

func NewInbox(size int, app pipeline.Service, m *metrics.Metrics, log zerolog.Logger) *Inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &Inbox{
		ring:    make([]InboxMessage, size),
		app:     app,
		metrics: m,
		limiter: logging.NewRateLimiter(10 * time.Second),
		log:     log.With().Str("component", "inbox").Logger(),
	}
}

func (b *Inbox) Call(ctx context.Context, msg *pipeline.InboundMessage) error {
	if msg.Envelope.MessageType != proto.MsgTypeApp {
		b.metrics.IncDropByReason("unhandled")
		b.limiter.Warn(b.log, "unhandled:"+msg.Envelope.MessageType).
			Str("message_type", msg.Envelope.MessageType).
			Msg("dropped message with no handler")
		return &pipeline.DropError{Reason: "unhandled", Err: errUnhandledType}
	}
	in := InboxMessage{
		Origin:     hex.EncodeToString(msg.Origin[:]),
		Body:       append([]byte(nil), msg.Envelope.Body...),
		SentAt:     time.UnixMilli(msg.Envelope.Timestamp).UTC(),
		ReceivedAt: msg.ReceivedAt.UTC(),
	}
	if msg.Stored != nil {
		in.ID = hex.EncodeToString(msg.Stored.ID[:])
		in.Stored = true
	}
	b.mu.Lock()
	b.ring[b.next] = in
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	b.total++
	b.mu.Unlock()
	b.log.Info().
		Str("origin", in.Origin[:16]).
		Int("bytes", len(in.Body)).
		Bool("stored", in.Stored).
		Msg("message delivered")
	if b.app != nil {
		return b.app.Call(ctx, msg)
	}
	return nil
}

// List returns the kept messages, oldest first.
func (b *Inbox) List() []InboxMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]InboxMessage(nil), b.ring[:b.next]...)
	}
	out := make([]InboxMessage, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

func (b *Inbox) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// handleFrame decodes one inbound frame and runs it through the pipeline.
func (r *Runner) handleFrame(ctx context.Context, remote net.Addr, payload []byte) {
	env, err := proto.DecodeDhtEnvelope(payload)
	if err != nil {
		r.Metrics.IncDropByReason("decode")
		r.log.Debug().Err(err).Str("remote", remote.String()).Msg("dropped undecodable frame")
		return
	}
	r.Metrics.IncRecvByType(env.MessageType)
	msg := &pipeline.InboundMessage{
		Envelope:   env,
		RemoteAddr: remote.String(),
		ReceivedAt: time.Now(),
	}
	if err := r.pipeline.Call(ctx, msg); err != nil {
		var drop *pipeline.DropError
		if errors.As(err, &drop) {
			return
		}
		r.log.Warn().Err(err).Str("message_type", env.MessageType).Msg("pipeline error")
	}
}
