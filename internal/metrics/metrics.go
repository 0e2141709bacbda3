package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Indexer holds the collectors of the indexer. A nil *Indexer is valid and records nothing.
type Indexer struct {
	eventsApplied   *prometheus.CounterVec
	eventsDuplicate *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	warnings        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	reorgs          prometheus.Counter
	rolledBack      prometheus.Counter
	cursorBlock     prometheus.Gauge
	headBlock       prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Indexer {
	m := &Indexer{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_indexer_events_applied_total",
			Help: "Events folded into derived state by kind.",
		}, []string{"kind"}),
		eventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_indexer_events_duplicate_total",
			Help: "Redelivered events skipped by kind.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_indexer_decode_errors_total",
			Help: "Logs that could not be decoded by contract.",
		}, []string{"contract"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_indexer_consistency_warnings_total",
			Help: "Consistency warnings raised while applying events by type.",
		}, []string{"type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_indexer_retries_total",
			Help: "Retried operations by name.",
		}, []string{"op"}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "staking_indexer_reorgs_total",
			Help: "Chain reorganizations handled.",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "staking_indexer_rolled_back_blocks_total",
			Help: "Blocks whose derived state was rolled back.",
		}),
		cursorBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "staking_indexer_cursor_block",
			Help: "Last block whose events were committed.",
		}),
		headBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "staking_indexer_head_block",
			Help: "Latest block reported by the chain.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied,
			m.eventsDuplicate,
			m.decodeErrors,
			m.warnings,
			m.retries,
			m.reorgs,
			m.rolledBack,
			m.cursorBlock,
			m.headBlock,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go and process collectors and the indexer collectors.
func NewRegistry() (*prometheus.Registry, *Indexer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, New(reg)
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *Indexer) EventApplied(kind string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(label(kind)).Inc()
}

func (m *Indexer) EventDuplicate(kind string) {
	if m == nil {
		return
	}
	m.eventsDuplicate.WithLabelValues(label(kind)).Inc()
}

func (m *Indexer) DecodeError(contract string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(label(contract)).Inc()
}

// Warning counts a consistency warning such as a clamped subtraction.
func (m *Indexer) Warning(kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(label(kind)).Inc()
}

func (m *Indexer) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(op)).Inc()
}

// Reorg records a rollback spanning depth blocks.
func (m *Indexer) Reorg(depth uint64) {
	if m == nil {
		return
	}
	m.reorgs.Inc()
	m.rolledBack.Add(float64(depth))
}

func (m *Indexer) SetCursorBlock(block uint64) {
	if m == nil {
		return
	}
	m.cursorBlock.Set(float64(block))
}

func (m *Indexer) SetHeadBlock(block uint64) {
	if m == nil {
		return
	}
	m.headBlock.Set(float64(block))
}
