package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetrievalHeader summarises one finished retrieval for the status view.
type RetrievalHeader struct {
	RequestID  string `json:"request_id"`
	Peers      int    `json:"peers"`
	Messages   int    `json:"messages"`
	Partial    bool   `json:"partial"`
	DurationMs int64  `json:"duration_ms"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Store          StoreMetrics      `json:"store"`
	Retrieve       RetrieveMetrics   `json:"retrieve"`
	Outbound       OutboundMetrics   `json:"outbound"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	StoredMessages int64             `json:"stored_messages"`
	StoredBytes    int64             `json:"stored_bytes"`
	Recent         []RetrievalHeader `json:"recent"`
}

type StoreMetrics struct {
	Stored         uint64 `json:"stored"`
	AlreadyPresent uint64 `json:"already_present"`
	Rejected       uint64 `json:"rejected"`
	Evicted        uint64 `json:"evicted"`
	Expired        uint64 `json:"expired"`
}

type RetrieveMetrics struct {
	Served            uint64 `json:"served"`
	MessagesServed    uint64 `json:"messages_served"`
	BatchesSent       uint64 `json:"batches_sent"`
	RemovedOnDelivery uint64 `json:"removed_on_delivery"`
	Requested         uint64 `json:"requested"`
	Completed         uint64 `json:"completed"`
	Partial           uint64 `json:"partial"`
	Delivered         uint64 `json:"delivered"`
	Duplicates        uint64 `json:"duplicates"`
}

type OutboundMetrics struct {
	Enqueued uint64 `json:"enqueued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Retries  uint64 `json:"retries"`
	Busy     uint64 `json:"busy"`
}

// Metrics keeps atomic counters for the JSON snapshot and mirrors them into
// a private prometheus registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	storeStored         atomic.Uint64
	storeAlreadyPresent atomic.Uint64
	storeRejected       atomic.Uint64
	storeEvicted        atomic.Uint64
	storeExpired        atomic.Uint64

	retrieveServed     atomic.Uint64
	retrieveMessages   atomic.Uint64
	retrieveBatches    atomic.Uint64
	retrieveRemoved    atomic.Uint64
	retrieveRequested  atomic.Uint64
	retrieveCompleted  atomic.Uint64
	retrievePartial    atomic.Uint64
	retrieveDelivered  atomic.Uint64
	retrieveDuplicates atomic.Uint64

	outEnqueued atomic.Uint64
	outSent     atomic.Uint64
	outFailed   atomic.Uint64
	outRetries  atomic.Uint64
	outBusy     atomic.Uint64

	currentConns   atomic.Int64
	currentStreams atomic.Int64
	storedMessages atomic.Int64
	storedBytes    atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
	reg    *prometheus.Registry
	prom   promSet
}

type promSet struct {
	storeOutcomes    *prometheus.CounterVec
	evicted          prometheus.Counter
	expired          prometheus.Counter
	served           prometheus.Counter
	messagesServed   prometheus.Counter
	batches          prometheus.Counter
	retrievals       *prometheus.CounterVec
	retrievalSeconds prometheus.Histogram
	delivered        prometheus.Counter
	outbound         *prometheus.CounterVec
	recv             *prometheus.CounterVec
	drops            *prometheus.CounterVec
	storedMessages   prometheus.Gauge
	storedBytes      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
		reg:          reg,
		prom: promSet{
			storeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
				Name: "saf_store_requests_total",
				Help: "Store requests by outcome",
			}, []string{"outcome"}),
			evicted: f.NewCounter(prometheus.CounterOpts{
				Name: "saf_store_evicted_total",
				Help: "Messages evicted to make room",
			}),
			expired: f.NewCounter(prometheus.CounterOpts{
				Name: "saf_store_expired_total",
				Help: "Messages removed by the expiry sweep",
			}),
			served: f.NewCounter(prometheus.CounterOpts{
				Name: "saf_retrieve_served_total",
				Help: "Retrieve requests served for peers",
			}),
			messagesServed: f.NewCounter(prometheus.CounterOpts{
				Name: "saf_retrieve_messages_served_total",
				Help: "Stored messages handed out to peers",
			}),
			batches: f.NewCounter(prometheus.CounterOpts{
				Name: "saf_retrieve_batches_sent_total",
				Help: "Response batches queued for peers",
			}),
			retrievals: f.NewCounterVec(prometheus.CounterOpts{
				Name: "saf_retrievals_total",
				Help: "Own retrievals by result",
			}, []string{"result"}),
			retrievalSeconds: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "saf_retrieval_duration_seconds",
				Help:    "Time from request to completion of own retrievals",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			}),
			delivered: f.NewCounter(prometheus.CounterOpts{
				Name: "saf_messages_delivered_total",
				Help: "Retrieved messages delivered to the application",
			}),
			outbound: f.NewCounterVec(prometheus.CounterOpts{
				Name: "saf_outbound_total",
				Help: "Outbound messages by result",
			}, []string{"result"}),
			recv: f.NewCounterVec(prometheus.CounterOpts{
				Name: "saf_inbound_messages_total",
				Help: "Inbound messages by message type",
			}, []string{"type"}),
			drops: f.NewCounterVec(prometheus.CounterOpts{
				Name: "saf_inbound_dropped_total",
				Help: "Inbound messages dropped by reason",
			}, []string{"reason"}),
			storedMessages: f.NewGauge(prometheus.GaugeOpts{
				Name: "saf_store_messages",
				Help: "Messages currently held",
			}),
			storedBytes: f.NewGauge(prometheus.GaugeOpts{
				Name: "saf_store_bytes",
				Help: "Bytes currently held",
			}),
		},
	}
}

// Registry exposes the prometheus collectors for /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Recent() *Recent {
	if m == nil {
		return nil
	}
	return m.recent
}

// IncStoreOutcome counts a store request by its result: "stored",
// "already_present" or a rejection reason.
func (m *Metrics) IncStoreOutcome(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case "stored":
		m.storeStored.Add(1)
	case "already_present":
		m.storeAlreadyPresent.Add(1)
	default:
		m.storeRejected.Add(1)
	}
	m.prom.storeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.storeEvicted.Add(uint64(n))
	m.prom.evicted.Add(float64(n))
}

func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.storeExpired.Add(uint64(n))
	m.prom.expired.Add(float64(n))
}

// ObserveServed records one retrieve request answered for a peer.
func (m *Metrics) ObserveServed(messages, batches, removed int) {
	if m == nil {
		return
	}
	m.retrieveServed.Add(1)
	m.retrieveMessages.Add(uint64(messages))
	m.retrieveBatches.Add(uint64(batches))
	m.retrieveRemoved.Add(uint64(removed))
	m.prom.served.Inc()
	m.prom.messagesServed.Add(float64(messages))
	m.prom.batches.Add(float64(batches))
}

func (m *Metrics) IncRetrievalRequested() {
	if m == nil {
		return
	}
	m.retrieveRequested.Add(1)
	m.prom.retrievals.WithLabelValues("requested").Inc()
}

// ObserveRetrieval records a finished own retrieval.
func (m *Metrics) ObserveRetrieval(h RetrievalHeader) {
	if m == nil {
		return
	}
	result := "complete"
	if h.Partial {
		result = "partial"
		m.retrievePartial.Add(1)
	} else {
		m.retrieveCompleted.Add(1)
	}
	m.prom.retrievals.WithLabelValues(result).Inc()
	m.prom.retrievalSeconds.Observe(float64(h.DurationMs) / 1000)
	m.recent.Add(h)
}

func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.retrieveDelivered.Add(1)
	m.prom.delivered.Inc()
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.retrieveDuplicates.Add(1)
	m.prom.drops.WithLabelValues("duplicate").Inc()
}

// IncOutbound counts an outbound result: "enqueued", "sent", "failed",
// "retry" or "busy".
func (m *Metrics) IncOutbound(result string) {
	if m == nil {
		return
	}
	switch result {
	case "enqueued":
		m.outEnqueued.Add(1)
	case "sent":
		m.outSent.Add(1)
	case "failed":
		m.outFailed.Add(1)
	case "retry":
		m.outRetries.Add(1)
	case "busy":
		m.outBusy.Add(1)
	}
	m.prom.outbound.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRecvByType(msgType string) {
	if m == nil || msgType == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
	m.prom.recv.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
	m.prom.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCurrentConns(n int64) {
	if m == nil {
		return
	}
	m.currentConns.Store(n)
}

func (m *Metrics) SetCurrentStreams(n int64) {
	if m == nil {
		return
	}
	m.currentStreams.Store(n)
}

// SetStoreSize publishes the current store occupancy.
func (m *Metrics) SetStoreSize(count int, bytes int64) {
	if m == nil {
		return
	}
	m.storedMessages.Store(int64(count))
	m.storedBytes.Store(bytes)
	m.prom.storedMessages.Set(float64(count))
	m.prom.storedBytes.Set(float64(bytes))
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	recent := m.recent.List()
	if recent == nil {
		recent = []RetrievalHeader{}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Store: StoreMetrics{
			Stored:         m.storeStored.Load(),
			AlreadyPresent: m.storeAlreadyPresent.Load(),
			Rejected:       m.storeRejected.Load(),
			Evicted:        m.storeEvicted.Load(),
			Expired:        m.storeExpired.Load(),
		},
		Retrieve: RetrieveMetrics{
			Served:            m.retrieveServed.Load(),
			MessagesServed:    m.retrieveMessages.Load(),
			BatchesSent:       m.retrieveBatches.Load(),
			RemovedOnDelivery: m.retrieveRemoved.Load(),
			Requested:         m.retrieveRequested.Load(),
			Completed:         m.retrieveCompleted.Load(),
			Partial:           m.retrievePartial.Load(),
			Delivered:         m.retrieveDelivered.Load(),
			Duplicates:        m.retrieveDuplicates.Load(),
		},
		Outbound: OutboundMetrics{
			Enqueued: m.outEnqueued.Load(),
			Sent:     m.outSent.Load(),
			Failed:   m.outFailed.Load(),
			Retries:  m.outRetries.Load(),
			Busy:     m.outBusy.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drops,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		StoredMessages: m.storedMessages.Load(),
		StoredBytes:    m.storedBytes.Load(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" || m == nil {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// Recent is a fixed-size ring of retrieval summaries.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []RetrievalHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h RetrievalHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []RetrievalHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RetrievalHeader, len(r.list))
	copy(out, r.list)
	return out
}
