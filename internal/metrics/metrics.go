package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshbridge"

// Capture Metrics
var (
	// CapturesTotal tracks ingested captures by outcome (success, partial, failed)
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "ingested_total",
			Help:      "Captures received by outcome",
		},
		[]string{"status"},
	)

	// CaptureBytes tracks the size of persisted capture files
	CaptureBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "bytes",
			Help:      "Size of persisted capture files in bytes",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 10),
		},
	)

	// DerivationFailures tracks captures whose metadata could not be parsed
	DerivationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "derivation_failures_total",
			Help:      "Captures stored without derived coverage data",
		},
	)

	// PersistenceFailures tracks captures that never reached disk
	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "persistence_failures_total",
			Help:      "Captures rejected because the image could not be written",
		},
	)

	// TotalImages mirrors the on-disk image count of the active session
	TotalImages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "total_images",
			Help:      "Image count of the active capture session",
		},
	)

	// SessionActivations tracks session switches by cause
	SessionActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "session_activations_total",
			Help:      "Active session rebuilds by cause",
		},
		[]string{"cause"},
	)
)

// Hub Metrics
var (
	// ObserversConnected tracks currently attached dashboard observers
	ObserversConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "observers_connected",
			Help:      "Dashboard observers currently attached",
		},
	)

	// EventsBroadcast tracks fan-out events by type
	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to observers by event type",
		},
		[]string{"type"},
	)

	// DeliveryFailures tracks per-observer send failures by reason
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "delivery_failures_total",
			Help:      "Per-observer delivery failures by reason",
		},
		[]string{"reason"},
	)
)

// Presence Metrics
var (
	// Paired is 1 while the mobile client is considered present
	Paired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "paired",
			Help:      "1 while the mobile client heartbeat is fresh",
		},
	)

	// PresenceExpirations tracks Paired to Unpaired transitions
	PresenceExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "expirations_total",
			Help:      "Heartbeat timeouts of the mobile client",
		},
	)

	// Heartbeats tracks heartbeats by source (ping, pair, upload)
	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received by source",
		},
		[]string{"source"},
	)
)

// SetPaired flips the paired gauge.
func SetPaired(paired bool) {
	if paired {
		Paired.Set(1)
		return
	}
	Paired.Set(0)
}
