package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"safnode/internal/logging"
	"safnode/internal/metrics"
	"safnode/internal/proto"
)

const DefaultMaxSkew = 5 * time.Minute

var (
	ErrBadSignature = errors.New("bad envelope signature")
	ErrClockSkew    = errors.New("envelope timestamp out of range")
	ErrMisrouted    = errors.New("envelope addressed to another node")
	ErrSelfOrigin   = errors.New("envelope from this node")
)

// EnvelopeValidator checks an envelope and returns the verified origin key.
type EnvelopeValidator interface {
	Validate(env proto.DhtEnvelope, now time.Time) (pub []byte, err error)
}

// SignedEnvelopeValidator accepts envelopes signed by their origin key,
// addressed to self (or to nobody) and stamped within MaxSkew of now.
type SignedEnvelopeValidator struct {
	Self         [32]byte
	MaxSkew      time.Duration
	DeriveNodeID func(pub []byte) [32]byte
}

func (v SignedEnvelopeValidator) Validate(env proto.DhtEnvelope, now time.Time) ([]byte, error) {
	pub, err := env.OriginKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := proto.VerifyEnvelope(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if v.DeriveNodeID != nil && v.DeriveNodeID(pub) == v.Self {
		return nil, ErrSelfOrigin
	}
	dest, ok, err := env.DestinationID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisrouted, err)
	}
	if ok && dest != v.Self {
		return nil, ErrMisrouted
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	ts := time.UnixMilli(env.Timestamp)
	if ts.Before(now.Add(-skew)) || ts.After(now.Add(skew)) {
		return nil, fmt.Errorf("%w: ts=%d", ErrClockSkew, env.Timestamp)
	}
	return pub, nil
}

type ValidationOptions struct {
	Validator    EnvelopeValidator
	DeriveNodeID func(pub []byte) [32]byte
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Now          func() time.Time
}

// ValidationLayer drops envelopes the validator refuses. Nothing behind it
// sees an unverified origin.
type ValidationLayer struct {
	opts    ValidationOptions
	limiter *logging.RateLimiter
	log     zerolog.Logger
}

func NewValidationLayer(opts ValidationOptions) *ValidationLayer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ValidationLayer{
		opts:    opts,
		limiter: logging.NewRateLimiter(10 * time.Second),
		log:     opts.Logger.With().Str("component", "pipeline").Str("layer", "validation").Logger(),
	}
}

func (l *ValidationLayer) Layer(next Service) Service {
	return ServiceFunc(func(ctx context.Context, msg *InboundMessage) error {
		pub, err := l.opts.Validator.Validate(msg.Envelope, l.opts.Now())
		if err != nil {
			reason := validationReason(err)
			l.opts.Metrics.IncDropByReason(reason)
			l.limiter.Warn(l.log, "invalid:"+reason).
				Err(err).
				Str("message_type", msg.Envelope.MessageType).
				Str("remote", msg.RemoteAddr).
				Msg("dropped invalid envelope")
			return &DropError{Reason: reason, Err: err}
		}
		msg.OriginPub = pub
		if l.opts.DeriveNodeID != nil {
			msg.Origin = l.opts.DeriveNodeID(pub)
		}
		return next.Call(ctx, msg)
	})
}

func validationReason(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "sig"
	case errors.Is(err, ErrClockSkew):
		return "skew"
	case errors.Is(err, ErrMisrouted):
		return "misrouted"
	case errors.Is(err, ErrSelfOrigin):
		return "self"
	default:
		return "invalid"
	}
}
