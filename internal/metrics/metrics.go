// Package metrics exposes the live counters the coordinator dumps into
// aircraft.json and the process title as Prometheus gauges/counters too, so
// an operator can graph them without polling a JSON file.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the gauges/counters internal/coordinator updates once per
// state-dump tick, plus the counters internal/mlattrack and
// internal/clocktrack increment inline.
type Metrics struct {
	Receivers        prometheus.Gauge
	TrackedAircraft  prometheus.Gauge
	SyncInteresting  prometheus.Gauge
	MlatInteresting  prometheus.Gauge
	ClockPairs       prometheus.Gauge

	MlatMessages prometheus.Counter
	MlatResults  prometheus.Counter
	MlatKalman   prometheus.Counter
	SyncPoints   prometheus.Counter
}

// New constructs and registers a Metrics bundle against reg. Pass
// prometheus.DefaultRegisterer for the process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Receivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlat", Name: "receivers", Help: "Number of currently connected receivers.",
		}),
		TrackedAircraft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlat", Name: "tracked_aircraft", Help: "Number of aircraft with at least one tracking receiver.",
		}),
		SyncInteresting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlat", Name: "sync_interesting_aircraft", Help: "Number of interesting aircraft with nonempty sync_interest.",
		}),
		MlatInteresting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlat", Name: "mlat_interesting_aircraft", Help: "Number of interesting aircraft with nonempty mlat_interest.",
		}),
		ClockPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlat", Name: "clock_pairs", Help: "Number of live clock-pair models.",
		}),
		MlatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlat", Name: "mlat_messages_total", Help: "Total multilateration candidate messages resolved.",
		}),
		MlatResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlat", Name: "mlat_results_total", Help: "Total accepted multilateration least-squares results.",
		}),
		MlatKalman: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlat", Name: "mlat_kalman_updates_total", Help: "Total Kalman filter updates accepted.",
		}),
		SyncPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlat", Name: "sync_points_total", Help: "Total DF17 sync points created.",
		}),
	}

	reg.MustRegister(m.Receivers, m.TrackedAircraft, m.SyncInteresting, m.MlatInteresting,
		m.ClockPairs, m.MlatMessages, m.MlatResults, m.MlatKalman, m.SyncPoints)

	return m
}

// Snapshot is a point-in-time view of the gauge-shaped counters, computed by
// the caller (internal/coordinator) from its registries on each 30s state
// dump tick.
type Snapshot struct {
	Receivers       int
	TrackedAircraft int
	SyncInteresting int
	MlatInteresting int
	ClockPairs      int
}

// Apply updates the gauge metrics from a Snapshot. Counter-shaped metrics
// (MlatMessages etc.) are incremented directly by their owning subsystem
// instead, since they only ever go up between snapshots.
func (m *Metrics) Apply(s Snapshot) {
	m.Receivers.Set(float64(s.Receivers))
	m.TrackedAircraft.Set(float64(s.TrackedAircraft))
	m.SyncInteresting.Set(float64(s.SyncInteresting))
	m.MlatInteresting.Set(float64(s.MlatInteresting))
	m.ClockPairs.Set(float64(s.ClockPairs))
}
