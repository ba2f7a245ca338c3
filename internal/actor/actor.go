// Package actor holds the mailbox plumbing shared by the SAF and DHT actors.
//
// An actor owns its state and drains a bounded mailbox on one goroutine.
// Requesters submit without blocking and then wait on a one-slot reply
// channel, the actor's done channel, or the caller's context.
package actor

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDisconnected means the actor has stopped.
	ErrDisconnected = errors.New("actor disconnected")
	// ErrBusy means the mailbox was full.
	ErrBusy = errors.New("actor busy")
)

// Mailbox is a bounded queue of requests of type T.
type Mailbox[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

func NewMailbox[T any](size int) *Mailbox[T] {
	if size <= 0 {
		size = 1
	}
	return &Mailbox[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues req without blocking.
func (m *Mailbox[T]) Submit(req T) error {
	select {
	case <-m.done:
		return ErrDisconnected
	default:
	}
	select {
	case m.ch <- req:
		return nil
	case <-m.done:
		return ErrDisconnected
	default:
		return ErrBusy
	}
}

// Recv is the actor side of the mailbox.
func (m *Mailbox[T]) Recv() <-chan T { return m.ch }

// Done is closed once the actor stopped.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

// Close marks the actor stopped. The request channel itself stays open so
// late submitters never panic.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Len reports queued requests.
func (m *Mailbox[T]) Len() int { return len(m.ch) }

// Await waits for a reply. A reply that raced shutdown is still returned.
func Await[R any](ctx context.Context, done <-chan struct{}, reply <-chan R) (R, error) {
	var zero R
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, ErrDisconnected
		}
	}
}

// Call submits a request built around a fresh reply channel and waits for
// the answer.
func Call[T, R any](ctx context.Context, m *Mailbox[T], build func(reply chan<- R) T) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	reply := make(chan R, 1)
	if err := m.Submit(build(reply)); err != nil {
		return zero, err
	}
	return Await(ctx, m.Done(), reply)
}

// Reply sends without blocking; reply channels always have one slot.
func Reply[R any](ch chan<- R, r R) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}
