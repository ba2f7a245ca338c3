package saf

import (
	"errors"

	"safnode/internal/actor"
	"safnode/internal/store"
)

var (
	ErrValidation     = errors.New("saf: invalid request")
	ErrTooLarge       = store.ErrTooLarge
	ErrStoreFull      = store.ErrStoreFull
	ErrDisconnected   = actor.ErrDisconnected
	ErrBusy           = actor.ErrBusy
	ErrPartialResult  = errors.New("saf: partial result")
	ErrNotResponsible = errors.New("saf: destination outside neighbourhood")
)

// Reason maps an error to the short label used in metrics and acks.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrStoreFull):
		return "store_full"
	case errors.Is(err, ErrNotResponsible):
		return "not_responsible"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrPartialResult):
		return "partial"
	default:
		return "error"
	}
}
