package saf

import (
	"context"
	"fmt"
	"time"

	"safnode/internal/actor"
	"safnode/internal/crypto"
	"safnode/internal/node"
	"safnode/internal/proto"
	"safnode/internal/store"
)

type StoreRequest struct {
	Destination [32]byte
	Origin      [32]byte
	OriginPub   []byte
	OriginSig   []byte
	Body        []byte
	Priority    store.Priority
	// TTL zero selects the per-priority default.
	TTL time.Duration
	// Direct is set when the request arrived straight from its origin.
	Direct bool
}

type StoreResult struct {
	ID      [32]byte
	Outcome store.InsertOutcome
	Evicted int
}

type RetrieveRequest struct {
	RequestID string
	Requester [32]byte
	ReplyAddr string
	Since     time.Time
	MaxCount  int
	MaxBytes  int
	Broad     bool
}

type RetrieveReport struct {
	Messages int
	Batches  int
	Removed  int
}

// Requester is a copyable handle onto the SAF actor.
type Requester struct {
	mb *actor.Mailbox[op]
	sh *shared
}

type result[T any] struct {
	v   T
	err error
}

func do[T any](ctx context.Context, r Requester, fn func(a *Actor) (T, error)) (T, error) {
	var zero T
	if r.mb == nil {
		return zero, ErrDisconnected
	}
	res, err := actor.Call(ctx, r.mb, func(reply chan<- result[T]) op {
		return func(a *Actor) {
			v, err := fn(a)
			actor.Reply(reply, result[T]{v: v, err: err})
		}
	})
	if err != nil {
		return zero, err
	}
	return res.v, res.err
}

// Store validates and admits a message for a peer.
func (r Requester) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if r.mb == nil {
		return StoreResult{}, ErrDisconnected
	}
	msg, ttl, err := r.sh.prepare(req)
	if err != nil {
		return StoreResult{ID: msg.ID}, err
	}
	if err := r.sh.admit(ctx, req); err != nil {
		return StoreResult{ID: msg.ID}, err
	}
	if r.sh.replay.Seen(msg.ID) {
		return StoreResult{ID: msg.ID, Outcome: store.OutcomeAlreadyPresent}, nil
	}
	return do(ctx, r, func(a *Actor) (StoreResult, error) {
		return a.insert(msg, ttl)
	})
}

// Retrieve serves a peer's request for messages held on its behalf.
func (r Requester) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveReport, error) {
	if r.mb == nil {
		return RetrieveReport{}, ErrDisconnected
	}
	if req.RequestID == "" || isZero(req.Requester) {
		return RetrieveReport{}, fmt.Errorf("%w: missing request id or requester", ErrValidation)
	}
	if req.MaxCount < 0 || req.MaxBytes < 0 {
		return RetrieveReport{}, fmt.Errorf("%w: negative limits", ErrValidation)
	}
	broad := false
	if req.Broad && r.sh.dht != nil {
		ok, err := r.sh.dht.InNeighbourhood(ctx, req.Requester)
		if err != nil {
			r.sh.log.Debug().Err(err).Msg("neighbourhood check failed, serving destination only")
		}
		broad = err == nil && ok
	}
	return do(ctx, r, func(a *Actor) (RetrieveReport, error) {
		return a.serve(req, broad)
	})
}

// Remove deletes messages by id and reports how many existed.
func (r Requester) Remove(ctx context.Context, ids ...[32]byte) (int, error) {
	return do(ctx, r, func(a *Actor) (int, error) {
		n := a.store.Remove(ids...)
		a.publish()
		return n, nil
	})
}

func (r Requester) Query(ctx context.Context, f store.Filter) ([]store.StoredMessage, error) {
	return do(ctx, r, func(a *Actor) ([]store.StoredMessage, error) {
		return a.store.Query(f), nil
	})
}

func (r Requester) Stats(ctx context.Context) (Stats, error) {
	return do(ctx, r, func(a *Actor) (Stats, error) {
		return a.snapshot(), nil
	})
}

// prepare checks a request without touching the store and returns the
// message to insert along with its effective ttl.
func (s *shared) prepare(req StoreRequest) (store.StoredMessage, time.Duration, error) {
	var msg store.StoredMessage
	switch {
	case isZero(req.Destination):
		return msg, 0, fmt.Errorf("%w: missing destination", ErrValidation)
	case isZero(req.Origin):
		return msg, 0, fmt.Errorf("%w: missing origin", ErrValidation)
	case len(req.Body) == 0:
		return msg, 0, fmt.Errorf("%w: empty body", ErrValidation)
	case req.TTL < 0:
		return msg, 0, fmt.Errorf("%w: negative ttl", ErrValidation)
	case req.Priority != store.PriorityLow && req.Priority != store.PriorityHigh:
		return msg, 0, fmt.Errorf("%w: unknown priority %d", ErrValidation, req.Priority)
	case req.Destination == s.self:
		return msg, 0, fmt.Errorf("%w: destination is this node", ErrValidation)
	}
	id := proto.MessageID(req.Destination, req.Origin, req.Body)
	if err := VerifyOrigin(id, req.Origin, req.OriginPub, req.OriginSig); err != nil {
		return store.StoredMessage{ID: id}, 0, err
	}
	msg = store.StoredMessage{
		ID:          id,
		Destination: req.Destination,
		Origin:      req.Origin,
		OriginPub:   req.OriginPub,
		OriginSig:   req.OriginSig,
		Body:        req.Body,
		Priority:    req.Priority,
	}
	return msg, s.ttlFor(req.Priority, req.TTL), nil
}

// VerifyOrigin checks that sig is the origin's signature over id and that
// pub is the key origin derives from.
func VerifyOrigin(id, origin [32]byte, pub, sig []byte) error {
	if !crypto.IsPublicKey(pub) || node.DeriveNodeID(pub) != origin {
		return fmt.Errorf("%w: origin key does not match origin", ErrValidation)
	}
	if len(sig) == 0 {
		return fmt.Errorf("%w: missing origin signature", ErrValidation)
	}
	if !crypto.VerifyDigest(pub, proto.OriginSigDigest(id), sig) {
		return fmt.Errorf("%w: bad origin signature", ErrValidation)
	}
	return nil
}

// VerifyStored checks a stored message received from another node: its id
// matches the content and the origin signed it.
func VerifyStored(m store.StoredMessage) error {
	if proto.MessageID(m.Destination, m.Origin, m.Body) != m.ID {
		return fmt.Errorf("%w: id does not match content", ErrValidation)
	}
	return VerifyOrigin(m.ID, m.Origin, m.OriginPub, m.OriginSig)
}

// admit decides whether this node should hold a message for dest. A failed
// neighbourhood lookup refuses the message.
func (s *shared) admit(ctx context.Context, req StoreRequest) error {
	if s.dht != nil {
		ok, err := s.dht.IsResponsible(ctx, req.Destination)
		if err != nil {
			return fmt.Errorf("%w: neighbourhood unavailable: %v", ErrNotResponsible, err)
		}
		if ok {
			return nil
		}
	}
	if req.Direct && s.cfg.AcceptDirectRequest && s.peers != nil {
		if _, known := s.peers.Get(req.Origin); known {
			return nil
		}
	}
	return ErrNotResponsible
}

func (s *shared) ttlFor(p store.Priority, ttl time.Duration) time.Duration {
	if ttl == 0 {
		ttl = s.cfg.LowPriorityTTL
		if p == store.PriorityHigh {
			ttl = s.cfg.HighPriorityTTL
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if s.cfg.MaxTTL > 0 && ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

func isZero(id [32]byte) bool {
	return id == [32]byte{}
}
