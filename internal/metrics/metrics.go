// Package metrics is the coordinator's single Prometheus registration
// point. Every collector is created exactly once at package init (the
// teacher's bare-counter-per-instance style would panic on duplicate
// registration whenever a component is constructed more than once, e.g. in
// tests), then shared by every component instance via the exported vars.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusEventsDelivered counts successful observer deliveries, by bus name.
	BusEventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_bus_events_delivered_total",
		Help: "Total events delivered to observers, by bus.",
	}, []string{"bus"})

	// BusObserverErrors counts isolated observer panics/errors, by bus name.
	BusObserverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_bus_observer_errors_total",
		Help: "Total observer panics isolated by the bus, by bus.",
	}, []string{"bus"})

	// ChangePollerLastMark is the in-memory last_processed_change high-water
	// mark (a single unlabelled gauge).
	ChangePollerLastMark = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_change_poller_last_mark",
		Help: "Last processed change id known to the poller.",
	})

	// ChangePollerRuns counts poll invocations by outcome.
	ChangePollerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_change_poller_runs_total",
		Help: "Poll invocations by outcome (delivered, empty, error, skipped_inflight).",
	}, []string{"outcome"})

	// ChangePollerDelivered counts changes delivered by the poller.
	ChangePollerDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_change_poller_changes_delivered_total",
		Help: "Total changes delivered by the poller.",
	})

	// ReconcileDuration observes full Reconciler.Apply durations.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_reconcile_duration_seconds",
		Help:    "Duration of a full reconfiguration pass.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// ReconcileTotal counts reconfiguration attempts by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_reconcile_total",
		Help: "Reconfiguration attempts by outcome (applied, rejected).",
	}, []string{"outcome"})

	// StateStoreCacheHits / Misses measure the Redis read-through cache in
	// front of StateStore.GetState/GetObjectID.
	StateStoreCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_state_store_cache_hits_total",
		Help: "StateStore reads served from the Redis cache.",
	})
	StateStoreCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_state_store_cache_misses_total",
		Help: "StateStore reads that fell through to the database.",
	})

	// SignalReloadsTotal counts SIGHUP-triggered reload attempts by outcome.
	SignalReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_signal_reloads_total",
		Help: "SIGHUP-triggered config reloads by outcome.",
	}, []string{"outcome"})
)
