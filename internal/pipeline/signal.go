package pipeline

import "sync"

// SignalBus tells observers that a retrieval finished. Emit never blocks; a
// subscriber whose buffer is full misses the signal.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[int]chan struct{}
	next    int
	closed  bool
	emitted uint64
	dropped uint64
}

func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[int]chan struct{})}
}

// Subscribe returns a signal channel and a func that unsubscribes. The
// channel is closed when the bus closes.
func (b *SignalBus) Subscribe(buf int) (<-chan struct{}, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan struct{}, buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Emit signals every subscriber and reports how many received it.
func (b *SignalBus) Emit() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.emitted++
	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
			n++
		default:
			b.dropped++
		}
	}
	return n
}

// Close ends the bus. Later emits are ignored.
func (b *SignalBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *SignalBus) Emitted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitted
}

func (b *SignalBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
