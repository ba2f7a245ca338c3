package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"safnode/internal/config"
	"safnode/internal/dedup"
	"safnode/internal/logging"
	"safnode/internal/metrics"
	"safnode/internal/proto"
	"safnode/internal/saf"
	"safnode/internal/store"
)

// SAF is the part of saf.Requester the handler calls.
type SAF interface {
	Store(ctx context.Context, req saf.StoreRequest) (saf.StoreResult, error)
	Retrieve(ctx context.Context, req saf.RetrieveRequest) (saf.RetrieveReport, error)
}

// Sender queues replies; outbound.Requester implements it.
type Sender interface {
	SendDirect(ctx context.Context, to [32]byte, addr string, msgType string, body []byte) error
}

type HandlerOptions struct {
	Config   config.SAFConfig
	Self     [32]byte
	SAF      SAF
	Outbound Sender
	Tracker  *Tracker
	// Delivered remembers message ids already handed to the application.
	Delivered *dedup.Set
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// MessageHandlerLayer routes SAF protocol messages to the SAF requester and
// the retrieval tracker. Everything else goes to the next service as is.
type MessageHandlerLayer struct {
	opts HandlerOptions
}

func NewMessageHandlerLayer(opts HandlerOptions) *MessageHandlerLayer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Delivered == nil {
		opts.Delivered = dedup.New(opts.Config.DedupWindow, opts.Config.DedupTTL)
	}
	return &MessageHandlerLayer{opts: opts}
}

func (l *MessageHandlerLayer) Layer(next Service) Service {
	return &messageHandler{
		opts:    l.opts,
		next:    next,
		limits:  newPeerLimiter(l.opts.Config.RetrieveRate, l.opts.Config.RetrieveBurst),
		limiter: logging.NewRateLimiter(10 * time.Second),
		log:     l.opts.Logger.With().Str("component", "pipeline").Str("layer", "saf").Logger(),
	}
}

type messageKind int

const (
	kindOrdinary messageKind = iota
	kindStoreRequest
	kindRetrieveRequest
	kindRetrieveResponse
	kindStoreAck
)

func classify(msgType string) messageKind {
	switch msgType {
	case proto.MsgTypeSafStore:
		return kindStoreRequest
	case proto.MsgTypeSafRetrieve:
		return kindRetrieveRequest
	case proto.MsgTypeSafResponse:
		return kindRetrieveResponse
	case proto.MsgTypeSafStoreAck:
		return kindStoreAck
	default:
		return kindOrdinary
	}
}

type messageHandler struct {
	opts    HandlerOptions
	next    Service
	limits  *peerLimiter
	limiter *logging.RateLimiter
	log     zerolog.Logger
}

func (h *messageHandler) Call(ctx context.Context, msg *InboundMessage) error {
	var err error
	switch classify(msg.Envelope.MessageType) {
	case kindStoreRequest:
		err = h.handleStore(ctx, msg)
	case kindRetrieveRequest:
		err = h.handleRetrieve(ctx, msg)
	case kindRetrieveResponse:
		err = h.handleResponse(ctx, msg)
	case kindStoreAck:
		err = h.handleAck(msg)
	default:
		return h.next.Call(ctx, msg)
	}
	if err != nil {
		var drop *DropError
		if errors.As(err, &drop) {
			h.opts.Metrics.IncDropByReason(drop.Reason)
			h.limiter.Warn(h.log, msg.Envelope.MessageType+":"+drop.Reason).
				Err(drop.Err).
				Hex("origin", msg.Origin[:8]).
				Msg("dropped saf message")
		}
	}
	// SAF trouble stays inside this layer
	return nil
}

func (h *messageHandler) handleStore(ctx context.Context, msg *InboundMessage) error {
	req, err := proto.DecodeStoreRequestMsg(msg.Envelope.Body)
	if err != nil {
		return &DropError{Reason: "decode", Err: err}
	}
	sr, err := storeRequestFromWire(req)
	if err != nil {
		return &DropError{Reason: "decode", Err: err}
	}
	if sr.Destination == h.opts.Self {
		stored := store.StoredMessage{
			ID:          proto.MessageID(sr.Destination, sr.Origin, sr.Body),
			Destination: sr.Destination,
			Origin:      sr.Origin,
			OriginPub:   sr.OriginPub,
			OriginSig:   sr.OriginSig,
			Body:        sr.Body,
			Priority:    sr.Priority,
			StoredAt:    msg.ReceivedAt,
		}
		if err := saf.VerifyStored(stored); err != nil {
			return &DropError{Reason: "origin", Err: err}
		}
		if _, err := h.deliver(ctx, stored); err != nil {
			return &DropError{Reason: "deliver", Err: err}
		}
		return nil
	}
	sr.Direct = sr.Origin == msg.Origin
	res, err := h.opts.SAF.Store(ctx, sr)
	ack := proto.StoreAckMsg{ID: hex.EncodeToString(res.ID[:]), Outcome: res.Outcome.String()}
	if err != nil {
		ack.Outcome = "rejected"
		ack.Error = saf.Reason(err)
		h.log.Debug().
			Err(err).
			Hex("destination", sr.Destination[:8]).
			Hex("origin", sr.Origin[:8]).
			Msg("store request refused")
	}
	h.reply(ctx, msg, proto.MsgTypeSafStoreAck, func() ([]byte, error) { return proto.EncodeStoreAckMsg(ack) })
	return nil
}

func (h *messageHandler) handleRetrieve(ctx context.Context, msg *InboundMessage) error {
	req, err := proto.DecodeRetrieveRequestMsg(msg.Envelope.Body)
	if err != nil {
		return &DropError{Reason: "decode", Err: err}
	}
	if req.RequestingKey != "" {
		key, err := proto.DecodeNodeIDHex(req.RequestingKey)
		if err != nil {
			return &DropError{Reason: "decode", Err: err}
		}
		// only the recipient may collect its messages
		if key != msg.Origin {
			return &DropError{Reason: "scope", Err: errors.New("requesting key is not the sender")}
		}
	}
	if !h.limits.allow(msg.Origin) {
		return &DropError{Reason: "rate", Err: errors.New("retrieve rate limited")}
	}
	rr := saf.RetrieveRequest{
		RequestID: req.RequestID,
		Requester: msg.Origin,
		ReplyAddr: msg.Envelope.ReplyAddr,
		MaxCount:  req.MaxCount,
		MaxBytes:  req.MaxBytes,
		Broad:     req.Broad,
	}
	if req.SinceMs > 0 {
		rr.Since = time.UnixMilli(req.SinceMs)
	}
	report, err := h.opts.SAF.Retrieve(ctx, rr)
	if err != nil {
		h.opts.Metrics.IncDropByReason("saf_" + saf.Reason(err))
		h.log.Warn().Err(err).Str("request_id", req.RequestID).Hex("requester", msg.Origin[:8]).Msg("retrieve request failed")
		return nil
	}
	h.log.Debug().
		Str("request_id", req.RequestID).
		Int("messages", report.Messages).
		Int("batches", report.Batches).
		Msg("retrieve request served")
	return nil
}

func (h *messageHandler) handleResponse(ctx context.Context, msg *InboundMessage) error {
	resp, err := proto.DecodeRetrieveResponseMsg(msg.Envelope.Body)
	if err != nil {
		return &DropError{Reason: "decode", Err: err}
	}
	if h.opts.Tracker == nil {
		return &DropError{Reason: "unsolicited", Err: ErrUnsolicited}
	}
	err = h.opts.Tracker.HandleResponse(ctx, msg.Origin, resp, h.deliverOrStore)
	if errors.Is(err, ErrUnsolicited) {
		return &DropError{Reason: "unsolicited", Err: err}
	}
	return err
}

func (h *messageHandler) handleAck(msg *InboundMessage) error {
	ack, err := proto.DecodeStoreAckMsg(msg.Envelope.Body)
	if err != nil {
		return &DropError{Reason: "decode", Err: err}
	}
	h.log.Debug().
		Str("id", ack.ID).
		Str("outcome", ack.Outcome).
		Str("error", ack.Error).
		Hex("from", msg.Origin[:8]).
		Msg("store ack")
	return nil
}

// deliverOrStore hands messages for this node to the application. Messages
// for other nodes come from broad retrievals and are offered to the local
// store instead.
func (h *messageHandler) deliverOrStore(ctx context.Context, m store.StoredMessage) (bool, error) {
	if m.Destination == h.opts.Self {
		return h.deliver(ctx, m)
	}
	ttl := time.Until(m.ExpiresAt)
	if ttl < time.Second {
		return false, nil
	}
	res, err := h.opts.SAF.Store(ctx, saf.StoreRequest{
		Destination: m.Destination,
		Origin:      m.Origin,
		OriginPub:   m.OriginPub,
		OriginSig:   m.OriginSig,
		Body:        m.Body,
		Priority:    m.Priority,
		TTL:         ttl,
	})
	if err != nil {
		return false, err
	}
	return res.Outcome == store.OutcomeStored, nil
}

// deliver passes a stored message to the next service once per id.
func (h *messageHandler) deliver(ctx context.Context, m store.StoredMessage) (bool, error) {
	if h.opts.Delivered.CheckAndAdd(m.ID) {
		h.opts.Metrics.IncDuplicate()
		return false, nil
	}
	stored := m
	inner := &InboundMessage{
		Envelope: proto.DhtEnvelope{
			MessageType: proto.MsgTypeApp,
			Type:        proto.MsgTypeDht,
			OriginPub:   hex.EncodeToString(m.OriginPub),
			Destination: proto.EncodeNodeIDHex(m.Destination),
			Timestamp:   m.StoredAt.UnixMilli(),
			Body:        m.Body,
		},
		ReceivedAt: h.opts.Now(),
		Origin:     m.Origin,
		OriginPub:  m.OriginPub,
		Stored:     &stored,
	}
	if err := h.next.Call(ctx, inner); err != nil {
		h.opts.Delivered.Forget(m.ID)
		return false, err
	}
	h.opts.Metrics.IncDelivered()
	return true, nil
}

func (h *messageHandler) reply(ctx context.Context, msg *InboundMessage, msgType string, encode func() ([]byte, error)) {
	body, err := encode()
	if err != nil {
		h.log.Warn().Err(err).Str("message_type", msgType).Msg("encode reply failed")
		return
	}
	if err := h.opts.Outbound.SendDirect(ctx, msg.Origin, msg.Envelope.ReplyAddr, msgType, body); err != nil {
		h.log.Debug().Err(err).Str("message_type", msgType).Hex("to", msg.Origin[:8]).Msg("queue reply failed")
	}
}

func storeRequestFromWire(m proto.StoreRequestMsg) (saf.StoreRequest, error) {
	dest, err := proto.DecodeNodeIDHex(m.Destination)
	if err != nil {
		return saf.StoreRequest{}, fmt.Errorf("destination: %w", err)
	}
	origin, err := proto.DecodeNodeIDHex(m.Origin)
	if err != nil {
		return saf.StoreRequest{}, fmt.Errorf("origin: %w", err)
	}
	pub, err := hex.DecodeString(m.OriginPub)
	if err != nil {
		return saf.StoreRequest{}, fmt.Errorf("origin_pub: %w", err)
	}
	sig, err := proto.DecodeOriginSig(m.OriginSig)
	if err != nil {
		return saf.StoreRequest{}, err
	}
	if len(sig) == 0 {
		return saf.StoreRequest{}, fmt.Errorf("missing origin_sig")
	}
	if m.TTLSec < 0 {
		return saf.StoreRequest{}, fmt.Errorf("negative ttl")
	}
	return saf.StoreRequest{
		Destination: dest,
		Origin:      origin,
		OriginPub:   pub,
		OriginSig:   sig,
		Body:        m.Body,
		Priority:    store.Priority(m.Priority),
		TTL:         time.Duration(m.TTLSec) * time.Second,
	}, nil
}

const limiterIdle = 10 * time.Minute

// peerLimiter keeps one token bucket per peer for retrieve requests.
type peerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	peers   map[[32]byte]*peerBucket
	lastGC  time.Time
	maxSize int
}

type peerBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newPeerLimiter(perSec float64, burst int) *peerLimiter {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiter{
		limit:   limit,
		burst:   burst,
		peers:   make(map[[32]byte]*peerBucket),
		lastGC:  time.Now(),
		maxSize: 4096,
	}
}

func (l *peerLimiter) allow(id [32]byte) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.peers) >= l.maxSize || now.Sub(l.lastGC) > limiterIdle {
		for k, b := range l.peers {
			if now.Sub(b.seen) > limiterIdle {
				delete(l.peers, k)
			}
		}
		l.lastGC = now
	}
	b, ok := l.peers[id]
	if !ok {
		b = &peerBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.peers[id] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
