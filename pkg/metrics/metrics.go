// Package metrics holds the process-wide Prometheus collectors. Collectors
// register against the default registry at init; the gateway exposes them
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callcore_calls_active",
		Help: "Currently active calls",
	})

	CallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcore_call_outcomes_total",
		Help: "Finished calls by outcome",
	}, []string{"outcome"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callcore_call_duration_seconds",
		Help:    "Media-derived call duration",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	FramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcore_frames_forwarded_total",
		Help: "Audio frames forwarded by direction",
	}, []string{"direction"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcore_frames_dropped_total",
		Help: "Frames dropped on full queues, by queue",
	}, []string{"queue"})

	SilenceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_silence_frames_dropped_total",
		Help: "Inbound frames classified as silence and not forwarded",
	})

	HedgePlays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_hedge_plays_total",
		Help: "Filler clips queued to mask AI latency",
	})

	HedgeNoCandidate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_hedge_no_candidate_total",
		Help: "Hedge triggers with no clip passing the language filter",
	})

	ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callcore_response_latency_seconds",
		Help:    "Human speech end to first AI audio chunk",
		Buckets: []float64{0.2, 0.4, 0.6, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 8.0},
	})

	Interrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcore_interrupts_total",
		Help: "Barge-ins by cause",
	}, []string{"cause"})

	TransitionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_state_rejections_total",
		Help: "Call events refused by the transition table",
	})

	AITurnTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_ai_turn_timeouts_total",
		Help: "AI turns that hit the silence ceiling",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_priming_cache_hits_total",
		Help: "Priming cache lookups served from an existing handle",
	})

	CacheCreations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_priming_cache_creations_total",
		Help: "Remote cache creations issued",
	})

	CacheRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callcore_priming_cache_refresh_failures_total",
		Help: "Non-fatal TTL refresh failures",
	})
)
