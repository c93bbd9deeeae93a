// Package metrics holds the Prometheus collectors for views and fusion
// pipes. Collectors are registered against an explicit registry so the
// fusion host can expose them on /metrics and tests can use isolated
// registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ViewStats counts arbitration outcomes for one view.
type ViewStats struct {
	EventsApplied      *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	BlindSpotAdditions prometheus.Counter
	BlindSpotDeletions prometheus.Counter
	TreeNodes          *prometheus.GaugeVec
}

// NewViewStats registers the view collectors on reg.
func NewViewStats(reg prometheus.Registerer, viewID string) *ViewStats {
	labels := prometheus.Labels{"view": viewID}
	f := promauto.With(reg)
	return &ViewStats{
		EventsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fustor_view_events_applied_total",
				Help:        "Events applied to the view tree",
				ConstLabels: labels,
			},
			[]string{"source"}, // REALTIME, SNAPSHOT, AUDIT
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fustor_view_events_dropped_total",
				Help:        "Events dropped by arbitration",
				ConstLabels: labels,
			},
			[]string{"reason"}, // tombstoned, stale_merge, stale_parent, stale_delete, malformed
		),
		BlindSpotAdditions: f.NewCounter(prometheus.CounterOpts{
			Name:        "fustor_view_blind_spot_additions_total",
			Help:        "Paths discovered only by audit",
			ConstLabels: labels,
		}),
		BlindSpotDeletions: f.NewCounter(prometheus.CounterOpts{
			Name:        "fustor_view_blind_spot_deletions_total",
			Help:        "Paths deleted by end-of-audit reconciliation",
			ConstLabels: labels,
		}),
		TreeNodes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "fustor_view_tree_nodes",
				Help:        "Current node counts by kind",
				ConstLabels: labels,
			},
			[]string{"kind"}, // file, dir
		),
	}
}

// PipeStats counts ingress activity for one fusion pipe.
type PipeStats struct {
	EventsReceived  prometheus.Counter
	EventsProcessed prometheus.Counter
	Errors          prometheus.Counter
	QueueDepth      prometheus.Gauge
}

// NewPipeStats registers the pipe collectors on reg.
func NewPipeStats(reg prometheus.Registerer, pipeID string) *PipeStats {
	labels := prometheus.Labels{"pipe": pipeID}
	f := promauto.With(reg)
	return &PipeStats{
		EventsReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "fustor_pipe_events_received_total",
			Help:        "Events accepted on ingest",
			ConstLabels: labels,
		}),
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name:        "fustor_pipe_events_processed_total",
			Help:        "Events drained to the view worker",
			ConstLabels: labels,
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Name:        "fustor_pipe_errors_total",
			Help:        "Ingest and drain failures",
			ConstLabels: labels,
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name:        "fustor_pipe_queue_depth",
			Help:        "Events waiting in the pipe queue",
			ConstLabels: labels,
		}),
	}
}
