// Package pipeline is the inbound message path. A Service handles one
// message; a Layer wraps a Service to add a stage in front of it. The daemon
// builds the chain once and calls it for every decoded envelope.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"safnode/internal/proto"
	"safnode/internal/store"
)

// InboundMessage is one envelope moving through the pipeline. Origin and
// OriginPub are filled in by the validation layer.
type InboundMessage struct {
	Envelope   proto.DhtEnvelope
	RemoteAddr string
	ReceivedAt time.Time

	Origin    [32]byte
	OriginPub []byte

	// Stored is set when the body was handed over by the SAF layer rather
	// than received straight from its origin.
	Stored *store.StoredMessage
}

type Service interface {
	Call(ctx context.Context, msg *InboundMessage) error
}

type ServiceFunc func(ctx context.Context, msg *InboundMessage) error

func (f ServiceFunc) Call(ctx context.Context, msg *InboundMessage) error {
	return f(ctx, msg)
}

type Layer interface {
	Layer(next Service) Service
}

type LayerFunc func(next Service) Service

func (f LayerFunc) Layer(next Service) Service {
	return f(next)
}

// Build wraps final in layers. The first layer sees messages first.
func Build(final Service, layers ...Layer) Service {
	svc := final
	for i := len(layers) - 1; i >= 0; i-- {
		svc = layers[i].Layer(svc)
	}
	return svc
}

// DropError reports a message the pipeline refused. It is already counted
// and logged when returned.
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("dropped (%s): %v", e.Reason, e.Err)
}

func (e *DropError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
