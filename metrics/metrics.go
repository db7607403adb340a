// Package metrics exposes Prometheus collectors for the conversation core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentdesk"

// Metrics groups every collector the service records
type Metrics struct {
	LockAcquisitions    *prometheus.CounterVec
	ToolCalls           *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	ConversationsEnded  *prometheus.CounterVec
	ActiveConversations prometheus.Gauge
	CacheLookups        *prometheus.CounterVec
	UsageRecordFailures prometheus.Counter
	TurnDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when reg is non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Lock acquire attempts by result",
			},
			[]string{"result"}, // acquired, held, unavailable
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Duration of executed tool calls in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ConversationsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_ended_total",
				Help:      "Conversations moved to ended, by reason",
			},
			[]string{"reason"},
		),
		ActiveConversations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conversations_active",
				Help:      "Conversations started minus conversations ended by this process",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_cache_lookups_total",
				Help:      "Context cache lookups by result",
			},
			[]string{"result"}, // hit, miss, stale, error
		),
		UsageRecordFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_record_failures_total",
				Help:      "Usage records that could not be written after all retries",
			},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of message turns in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.LockAcquisitions,
			m.ToolCalls,
			m.ToolCallDuration,
			m.ConversationsEnded,
			m.ActiveConversations,
			m.CacheLookups,
			m.UsageRecordFailures,
			m.TurnDuration,
		)
	}
	return m
}

// LockAcquired records a lock attempt result
func (m *Metrics) LockAcquired(result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

// ToolCall records a tool call outcome and, for executed calls, its duration
func (m *Metrics) ToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	if d > 0 {
		m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// ConversationStarted increments the active gauge
func (m *Metrics) ConversationStarted() {
	if m == nil {
		return
	}
	m.ActiveConversations.Inc()
}

// ConversationEnded records a real active to ended transition
func (m *Metrics) ConversationEnded(reason string) {
	if m == nil {
		return
	}
	m.ConversationsEnded.WithLabelValues(reason).Inc()
	m.ActiveConversations.Dec()
}

// CacheLookup records a context cache lookup result
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// UsageRecordFailed counts usage that was dropped after retries
func (m *Metrics) UsageRecordFailed() {
	if m == nil {
		return
	}
	m.UsageRecordFailures.Inc()
}

// Turn records the duration of one handled message
func (m *Metrics) Turn(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(mode, status).Observe(d.Seconds())
}
