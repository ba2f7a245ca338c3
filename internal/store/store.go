// internal/store/store.go
package store

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

type Priority uint8

const (
	PriorityLow  Priority = 0
	PriorityHigh Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("p%d", uint8(p))
	}
}

// headerSize approximates the fixed per-entry cost (ids and timestamps).
const headerSize = 96

type StoredMessage struct {
	ID          [32]byte
	Destination [32]byte
	Origin      [32]byte
	OriginPub   []byte
	OriginSig   []byte
	Body        []byte
	Priority    Priority
	StoredAt    time.Time
	ExpiresAt   time.Time
}

func (m StoredMessage) Size() int {
	return headerSize + len(m.Body) + len(m.OriginPub) + len(m.OriginSig)
}

func (m StoredMessage) clone() StoredMessage {
	out := m
	out.OriginPub = append([]byte(nil), m.OriginPub...)
	out.OriginSig = append([]byte(nil), m.OriginSig...)
	out.Body = append([]byte(nil), m.Body...)
	return out
}

type InsertOutcome int

const (
	OutcomeStored InsertOutcome = iota + 1
	OutcomeAlreadyPresent
)

func (o InsertOutcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeAlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

type InsertResult struct {
	Outcome InsertOutcome
	Evicted [][32]byte
}

var (
	ErrTooLarge  = errors.New("message too large")
	ErrStoreFull = errors.New("store full")
	ErrInvalid   = errors.New("invalid message")
)

// EvictPolicy reports whether incoming may displace victim.
type EvictPolicy func(incoming, victim *StoredMessage) bool

// StrictPriority lets a message displace only strictly lower priorities.
func StrictPriority(incoming, victim *StoredMessage) bool {
	return victim.Priority < incoming.Priority
}

// PriorityThenAge also lets a message displace older entries of its own
// priority.
func PriorityThenAge(incoming, victim *StoredMessage) bool {
	return victim.Priority <= incoming.Priority
}

type Filter struct {
	Destination *[32]byte
	Since       time.Time
	Limit       int
	MaxBytes    int
}

type Stats struct {
	Count        int            `json:"count"`
	Bytes        int64          `json:"bytes"`
	MaxCount     int            `json:"max_count"`
	MaxBytes     int64          `json:"max_bytes"`
	MaxItemBytes int            `json:"max_item_bytes"`
	ByPriority   map[string]int `json:"by_priority"`
	Destinations int            `json:"destinations"`
	Oldest       time.Time      `json:"oldest,omitempty"`
	Newest       time.Time      `json:"newest,omitempty"`
	Evicted      uint64         `json:"evicted"`
	Expired      uint64         `json:"expired"`
	Backend      string         `json:"backend"`
}

type Options struct {
	MaxItemBytes   int
	MaxCount       int
	MaxBytes       int64
	CanEvict       EvictPolicy
	Backend        Backend
	BackendTimeout time.Duration
	Logger         zerolog.Logger
}

// Store is the bounded in-memory message index. It is not safe for
// concurrent use: a single owner (the SAF actor) drives it.
type Store struct {
	opts       Options
	entries    map[[32]byte]*entry
	order      *list.List
	byPriority map[Priority]*list.List
	byDest     map[[32]byte]int
	bytes      int64
	evicted    uint64
	expired    uint64
	backend    Backend
	log        zerolog.Logger
}

type entry struct {
	msg    StoredMessage
	size   int
	ordEl  *list.Element
	prioEl *list.Element
}

const (
	DefaultMaxItemBytes = 512 << 10
	DefaultMaxCount     = 10_000
	DefaultMaxBytes     = 256 << 20
	defaultBackendOp    = 5 * time.Second
)

// New builds a store and re-hydrates it from opts.Backend, dropping
// anything already expired at now.
func New(opts Options, now time.Time) (*Store, error) {
	if opts.MaxItemBytes <= 0 {
		opts.MaxItemBytes = DefaultMaxItemBytes
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.CanEvict == nil {
		opts.CanEvict = StrictPriority
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = defaultBackendOp
	}
	s := &Store{
		opts:       opts,
		entries:    make(map[[32]byte]*entry),
		order:      list.New(),
		byPriority: make(map[Priority]*list.List),
		byDest:     make(map[[32]byte]int),
		backend:    opts.Backend,
		log:        opts.Logger.With().Str("component", "store").Logger(),
	}
	if s.backend != nil {
		if err := s.hydrate(now); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) hydrate(now time.Time) error {
	ctx, cancel := s.opCtx()
	defer cancel()
	msgs, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s backend: %w", s.backend.Name(), err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].StoredAt.Before(msgs[j].StoredAt)
	})
	var drop [][32]byte
	for _, m := range msgs {
		if !m.ExpiresAt.After(now) {
			drop = append(drop, m.ID)
			continue
		}
		res, err := s.insert(m, false)
		if err != nil {
			drop = append(drop, m.ID)
			continue
		}
		drop = append(drop, res.Evicted...)
	}
	if len(drop) > 0 {
		s.deleteFromBackend(drop)
	}
	s.log.Info().
		Str("backend", s.backend.Name()).
		Int("loaded", len(s.entries)).
		Int("dropped", len(drop)).
		Msg("store hydrated")
	return nil
}

// Insert admits msg, evicting lower ranked entries when a ceiling would be
// exceeded. On any error the store is left unchanged.
func (s *Store) Insert(msg StoredMessage) (InsertResult, error) {
	return s.insert(msg, true)
}

func (s *Store) insert(msg StoredMessage, persist bool) (InsertResult, error) {
	if !msg.ExpiresAt.After(msg.StoredAt) {
		return InsertResult{}, fmt.Errorf("%w: expires_at not after stored_at", ErrInvalid)
	}
	size := msg.Size()
	if size > s.opts.MaxItemBytes {
		return InsertResult{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, s.opts.MaxItemBytes)
	}
	if _, ok := s.entries[msg.ID]; ok {
		return InsertResult{Outcome: OutcomeAlreadyPresent}, nil
	}
	victims, ok := s.selectVictims(&msg, size)
	if !ok {
		return InsertResult{}, ErrStoreFull
	}
	msg = msg.clone()
	if persist && s.backend != nil {
		ctx, cancel := s.opCtx()
		err := s.backend.Put(ctx, msg)
		cancel()
		if err != nil {
			return InsertResult{}, fmt.Errorf("persist: %w", err)
		}
	}
	evicted := make([][32]byte, 0, len(victims))
	for _, v := range victims {
		evicted = append(evicted, v.msg.ID)
		s.unlink(v)
	}
	s.evicted += uint64(len(victims))
	if persist && len(evicted) > 0 {
		s.deleteFromBackend(evicted)
	}
	ent := &entry{msg: msg, size: size}
	ent.ordEl = insertSorted(s.order, ent)
	pl := s.byPriority[msg.Priority]
	if pl == nil {
		pl = list.New()
		s.byPriority[msg.Priority] = pl
	}
	ent.prioEl = insertSorted(pl, ent)
	s.entries[msg.ID] = ent
	s.byDest[msg.Destination]++
	s.bytes += int64(size)
	return InsertResult{Outcome: OutcomeStored, Evicted: evicted}, nil
}

// selectVictims picks lowest priority, then oldest, entries the incoming
// message may displace until it fits. Nothing is mutated here.
func (s *Store) selectVictims(incoming *StoredMessage, size int) ([]*entry, bool) {
	needCount := len(s.entries) + 1 - s.opts.MaxCount
	needBytes := s.bytes + int64(size) - s.opts.MaxBytes
	if needCount <= 0 && needBytes <= 0 {
		return nil, true
	}
	var victims []*entry
	for _, p := range s.priorities() {
		for el := s.byPriority[p].Front(); el != nil; el = el.Next() {
			ent := el.Value.(*entry)
			if !s.opts.CanEvict(incoming, &ent.msg) {
				continue
			}
			victims = append(victims, ent)
			needCount--
			needBytes -= int64(ent.size)
			if needCount <= 0 && needBytes <= 0 {
				return victims, true
			}
		}
	}
	return nil, false
}

func (s *Store) priorities() []Priority {
	out := make([]Priority, 0, len(s.byPriority))
	for p, l := range s.byPriority {
		if l.Len() > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func insertSorted(l *list.List, ent *entry) *list.Element {
	for el := l.Back(); el != nil; el = el.Prev() {
		cur := el.Value.(*entry)
		if !cur.msg.StoredAt.After(ent.msg.StoredAt) {
			return l.InsertAfter(ent, el)
		}
	}
	return l.PushFront(ent)
}

func (s *Store) unlink(ent *entry) {
	s.order.Remove(ent.ordEl)
	if pl := s.byPriority[ent.msg.Priority]; pl != nil {
		pl.Remove(ent.prioEl)
		if pl.Len() == 0 {
			delete(s.byPriority, ent.msg.Priority)
		}
	}
	if n := s.byDest[ent.msg.Destination]; n <= 1 {
		delete(s.byDest, ent.msg.Destination)
	} else {
		s.byDest[ent.msg.Destination] = n - 1
	}
	s.bytes -= int64(ent.size)
	delete(s.entries, ent.msg.ID)
}

// Query returns copies of matching entries oldest first. Limit and MaxBytes
// stop the scan at whichever is reached first.
func (s *Store) Query(f Filter) []StoredMessage {
	var out []StoredMessage
	used := 0
	for el := s.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if ent.msg.StoredAt.Before(f.Since) {
			continue
		}
		if f.Destination != nil && ent.msg.Destination != *f.Destination {
			continue
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.MaxBytes > 0 && used+ent.size > f.MaxBytes {
			break
		}
		used += ent.size
		out = append(out, ent.msg.clone())
	}
	return out
}

func (s *Store) Get(id [32]byte) (StoredMessage, bool) {
	ent, ok := s.entries[id]
	if !ok {
		return StoredMessage{}, false
	}
	return ent.msg.clone(), true
}

func (s *Store) Contains(id [32]byte) bool {
	_, ok := s.entries[id]
	return ok
}

// Remove deletes the given ids; unknown ids are ignored.
func (s *Store) Remove(ids ...[32]byte) int {
	removed := make([][32]byte, 0, len(ids))
	for _, id := range ids {
		ent, ok := s.entries[id]
		if !ok {
			continue
		}
		s.unlink(ent)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		s.deleteFromBackend(removed)
	}
	return len(removed)
}

// SweepExpired removes every entry with ExpiresAt <= now.
func (s *Store) SweepExpired(now time.Time) [][32]byte {
	var removed [][32]byte
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*entry)
		if !ent.msg.ExpiresAt.After(now) {
			removed = append(removed, ent.msg.ID)
			s.unlink(ent)
		}
		el = next
	}
	if len(removed) > 0 {
		s.expired += uint64(len(removed))
		s.deleteFromBackend(removed)
	}
	return removed
}

func (s *Store) Len() int {
	return len(s.entries)
}

func (s *Store) Bytes() int64 {
	return s.bytes
}

func (s *Store) Stats() Stats {
	st := Stats{
		Count:        len(s.entries),
		Bytes:        s.bytes,
		MaxCount:     s.opts.MaxCount,
		MaxBytes:     s.opts.MaxBytes,
		MaxItemBytes: s.opts.MaxItemBytes,
		ByPriority:   make(map[string]int, len(s.byPriority)),
		Destinations: len(s.byDest),
		Evicted:      s.evicted,
		Expired:      s.expired,
		Backend:      "memory",
	}
	for p, l := range s.byPriority {
		st.ByPriority[p.String()] = l.Len()
	}
	if front := s.order.Front(); front != nil {
		st.Oldest = front.Value.(*entry).msg.StoredAt
		st.Newest = s.order.Back().Value.(*entry).msg.StoredAt
	}
	if s.backend != nil {
		st.Backend = s.backend.Name()
	}
	return st
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) deleteFromBackend(ids [][32]byte) {
	if s.backend == nil || len(ids) == 0 {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.backend.Delete(ctx, ids); err != nil {
		s.log.Warn().Err(err).Int("ids", len(ids)).Msg("backend delete failed")
	}
}

func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.BackendTimeout)
}
