package peer

import (
	"container/list"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"safnode/internal/crypto"
	"safnode/internal/store"
)

const (
	DefaultCap       = 512
	DefaultTTL       = 30 * time.Minute
	DefaultLoadLimit = 512
	defaultEventBuf  = 256
)

type Peer struct {
	NodeID   [32]byte
	PubKey   []byte
	Addr     string
	LastSeen time.Time
}

type EventKind int

const (
	PeerAdded EventKind = iota + 1
	PeerUpdated
	PeerRemoved
)

func (k EventKind) String() string {
	switch k {
	case PeerAdded:
		return "added"
	case PeerUpdated:
		return "updated"
	case PeerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a change in the connectivity view.
type Event struct {
	Kind EventKind
	Peer Peer
}

type Options struct {
	Cap          int
	TTL          time.Duration
	LoadLimit    int
	DeriveNodeID func(pub []byte) [32]byte
	Now          func() time.Time
}

// Store is the peer book. It keeps the most recently seen peers, persists
// them as JSONL and fans out change events to subscribers.
type Store struct {
	mu           sync.Mutex
	path         string
	cap          int
	ttl          time.Duration
	deriveNodeID func(pub []byte) [32]byte
	now          func() time.Time
	hot          map[[32]byte]*list.Element
	order        *list.List
	addrIndex    map[string][32]byte
	subs         map[int]chan Event
	nextSub      int
	dropped      uint64
}

type entry struct {
	peer      Peer
	expiresAt time.Time
}

type diskPeer struct {
	NodeID  string `json:"node_id"`
	PubKey  string `json:"pubkey,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

var (
	ErrAddrConflict = errors.New("addr conflict")
	ErrIDMismatch   = errors.New("node_id/pubkey mismatch")
)

// NewStore opens the peer book at path. An empty path keeps it in memory.
func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = capacity
	}
	if opts.DeriveNodeID == nil {
		return nil, fmt.Errorf("missing derive_node_id")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	s := &Store{
		path:         path,
		cap:          capacity,
		ttl:          ttl,
		deriveNodeID: opts.DeriveNodeID,
		now:          now,
		hot:          make(map[[32]byte]*list.Element),
		order:        list.New(),
		addrIndex:    make(map[string][32]byte),
		subs:         make(map[int]chan Event),
	}
	if path != "" {
		if err := s.loadLast(loadLimit); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Upsert adds or refreshes p. The node id must match the public key.
func (s *Store) Upsert(p Peer, persist bool) error {
	if isZeroNodeID(p.NodeID) {
		return fmt.Errorf("missing node_id")
	}
	s.mu.Lock()
	events := s.pruneLocked()
	ev, err := s.upsertLocked(p)
	if err != nil {
		s.mu.Unlock()
		s.emit(events)
		return err
	}
	if s.cap > 0 && len(s.hot) > s.cap {
		events = append(events, s.evictLocked(len(s.hot)-s.cap)...)
	}
	events = append(events, ev)
	stored := ev.Peer
	s.mu.Unlock()
	s.emit(events)

	if !persist || s.path == "" || ev.Kind == 0 {
		return nil
	}
	return store.AppendJSONL(s.path, diskPeer{
		NodeID: hex.EncodeToString(stored.NodeID[:]),
		PubKey: hex.EncodeToString(stored.PubKey),
		Addr:   stored.Addr,
	})
}

func (s *Store) upsertLocked(p Peer) (Event, error) {
	now := s.now()
	var existing *entry
	el, ok := s.hot[p.NodeID]
	if ok {
		existing = el.Value.(*entry)
		if len(p.PubKey) == 0 {
			p.PubKey = existing.peer.PubKey
		}
		if p.Addr == "" {
			p.Addr = existing.peer.Addr
		}
	}
	if len(p.PubKey) == 0 {
		return Event{}, fmt.Errorf("missing pubkey")
	}
	if s.deriveNodeID(p.PubKey) != p.NodeID {
		return Event{}, ErrIDMismatch
	}
	if p.Addr != "" {
		if owner, taken := s.addrIndex[p.Addr]; taken && owner != p.NodeID {
			return Event{}, ErrAddrConflict
		}
	}
	p.PubKey = append([]byte(nil), p.PubKey...)
	p.LastSeen = now
	if existing != nil {
		changed := existing.peer.Addr != p.Addr
		if changed && existing.peer.Addr != "" {
			delete(s.addrIndex, existing.peer.Addr)
		}
		existing.peer = p
		existing.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(el)
		if p.Addr != "" {
			s.addrIndex[p.Addr] = p.NodeID
		}
		if !changed {
			// refreshed, nothing for subscribers
			return Event{Peer: clonePeer(p)}, nil
		}
		return Event{Kind: PeerUpdated, Peer: clonePeer(p)}, nil
	}
	ent := &entry{peer: p, expiresAt: now.Add(s.ttl)}
	s.hot[p.NodeID] = s.order.PushFront(ent)
	if p.Addr != "" {
		s.addrIndex[p.Addr] = p.NodeID
	}
	return Event{Kind: PeerAdded, Peer: clonePeer(p)}, nil
}

// Remove drops a peer. Unknown ids are ignored.
func (s *Store) Remove(id [32]byte, persist bool) bool {
	s.mu.Lock()
	el, ok := s.hot[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	ev := s.unlinkLocked(el)
	s.mu.Unlock()
	s.emit([]Event{ev})
	if persist && s.path != "" {
		_ = store.AppendJSONL(s.path, diskPeer{NodeID: hex.EncodeToString(id[:]), Removed: true})
	}
	return true
}

func (s *Store) Get(id [32]byte) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[id]
	if !ok {
		return Peer{}, false
	}
	ent := el.Value.(*entry)
	if !ent.expiresAt.After(s.now()) {
		return Peer{}, false
	}
	return clonePeer(ent.peer), true
}

// List returns copies, most recently seen first.
func (s *Store) List() []Peer {
	s.mu.Lock()
	events := s.pruneLocked()
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, clonePeer(el.Value.(*entry).peer))
	}
	s.mu.Unlock()
	s.emit(events)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	events := s.pruneLocked()
	n := len(s.hot)
	s.mu.Unlock()
	s.emit(events)
	return n
}

// Prune drops expired peers and reports how many went.
func (s *Store) Prune() int {
	s.mu.Lock()
	events := s.pruneLocked()
	s.mu.Unlock()
	s.emit(events)
	return len(events)
}

// Subscribe returns a channel of peer events. Slow subscribers lose events
// rather than stall the peer book; call the returned func to unsubscribe.
func (s *Store) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = defaultEventBuf
	}
	ch := make(chan Event, buf)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// DroppedEvents counts events lost to full subscriber buffers.
func (s *Store) DroppedEvents() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if ev.Kind == 0 {
			continue
		}
		for _, ch := range s.subs {
			select {
			case ch <- ev:
			default:
				s.dropped++
			}
		}
	}
}

func (s *Store) pruneLocked() []Event {
	if s.ttl <= 0 {
		return nil
	}
	now := s.now()
	var events []Event
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).expiresAt.After(now) {
			el = prev
			continue
		}
		events = append(events, s.unlinkLocked(el))
		el = prev
	}
	return events
}

func (s *Store) evictLocked(n int) []Event {
	var events []Event
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			break
		}
		events = append(events, s.unlinkLocked(el))
		n--
	}
	return events
}

func (s *Store) unlinkLocked(el *list.Element) Event {
	ent := el.Value.(*entry)
	if ent.peer.Addr != "" {
		if owner, ok := s.addrIndex[ent.peer.Addr]; ok && owner == ent.peer.NodeID {
			delete(s.addrIndex, ent.peer.Addr)
		}
	}
	delete(s.hot, ent.peer.NodeID)
	s.order.Remove(el)
	return Event{Kind: PeerRemoved, Peer: clonePeer(ent.peer)}
}

// loadLast replays the book and keeps the newest limit live peers.
func (s *Store) loadLast(limit int) error {
	latest := make(map[[32]byte]diskPeer)
	var order [][32]byte
	err := store.ReadJSONL(s.path, func(line []byte) error {
		var rec diskPeer
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		idBytes, err := hex.DecodeString(rec.NodeID)
		if err != nil || len(idBytes) != 32 {
			return nil
		}
		var id [32]byte
		copy(id[:], idBytes)
		if rec.Removed {
			delete(latest, id)
			return nil
		}
		if _, ok := latest[id]; !ok {
			order = append(order, id)
		}
		latest[id] = rec
		return nil
	})
	if err != nil {
		return err
	}
	live := make([][32]byte, 0, len(latest))
	for _, id := range order {
		if _, ok := latest[id]; ok {
			live = append(live, id)
		}
	}
	if len(live) > limit {
		live = live[len(live)-limit:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range live {
		rec := latest[id]
		pub, err := hex.DecodeString(rec.PubKey)
		if err != nil || !crypto.IsPublicKey(pub) {
			continue
		}
		_, _ = s.upsertLocked(Peer{NodeID: id, PubKey: pub, Addr: rec.Addr})
	}
	return nil
}

func clonePeer(p Peer) Peer {
	p.PubKey = append([]byte(nil), p.PubKey...)
	return p
}

func isZeroNodeID(id [32]byte) bool {
	var zero [32]byte
	return id == zero
}
