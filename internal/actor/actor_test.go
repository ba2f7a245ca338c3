package actor

import (
	"context"
	"errors"
	"testing"
	"time"
)

type echo struct {
	n     int
	reply chan<- int
}

func runEcho(m *Mailbox[echo]) {
	for {
		select {
		case req := <-m.Recv():
			Reply(req.reply, req.n*2)
		case <-m.Done():
			return
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	m := NewMailbox[echo](4)
	go runEcho(m)
	defer m.Close()
	got, err := Call(context.Background(), m, func(r chan<- int) echo { return echo{n: 21, reply: r} })
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestSubmitBusy(t *testing.T) {
	m := NewMailbox[echo](1)
	if err := m.Submit(echo{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := m.Submit(echo{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	m := NewMailbox[echo](1)
	m.Close()
	m.Close()
	if err := m.Submit(echo{}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if !m.Closed() {
		t.Fatalf("expected closed")
	}
}

func TestAwaitDisconnectWhilePending(t *testing.T) {
	m := NewMailbox[echo](4)
	errCh := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), m, func(r chan<- int) echo { return echo{reply: r} })
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("call did not return after close")
	}
}

func TestAwaitContextCancel(t *testing.T) {
	m := NewMailbox[echo](4)
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, m, func(r chan<- int) echo { return echo{reply: r} })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAwaitPrefersReadyReply(t *testing.T) {
	done := make(chan struct{})
	close(done)
	reply := make(chan int, 1)
	reply <- 7
	got, err := Await(context.Background(), done, reply)
	if err != nil || got != 7 {
		t.Fatalf("expected buffered reply, got %d %v", got, err)
	}
}
