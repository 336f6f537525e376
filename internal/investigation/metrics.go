package investigation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the investigation subsystem.
type Metrics struct {
	InvestigationsTotal   *prometheus.CounterVec
	InvestigationDuration *prometheus.HistogramVec
	StageDuration         *prometheus.HistogramVec
	StageAttempts         *prometheus.HistogramVec
	StageFailuresTotal    *prometheus.CounterVec
	SubmitsTotal          *prometheus.CounterVec
	EventsDroppedTotal    prometheus.Counter
	SeverityScore         prometheus.Histogram
	PersistRetriesTotal   prometheus.Counter
	CorrelatorDropsTotal  prometheus.Counter
	CorrelationsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns investigation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvestigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_investigations_total",
			Help: "Total investigations by final status.",
		}, []string{"status"}),
		InvestigationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_investigation_duration_seconds",
			Help:    "Duration of investigations in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_stage_duration_seconds",
			Help:    "Duration of stage invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"stage"}),
		StageAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_stage_attempts",
			Help:    "Attempts per accepted stage invocation.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}, []string{"stage"}),
		StageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_stage_failures_total",
			Help: "Stage failures by stage and failure kind.",
		}, []string{"stage", "kind"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_dropped_total",
			Help: "Events dropped for slow stream subscribers.",
		}),
		SeverityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_severity_score",
			Help:    "Severity scores assigned by the analysis stage.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 .. 1.0
		}),
		PersistRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_persist_retries_total",
			Help: "Retried investigation store writes.",
		}),
		CorrelatorDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_correlator_queue_drops_total",
			Help: "Completed investigations dropped by a full correlator queue.",
		}),
		CorrelationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_correlations_total",
			Help: "Campaign correlation runs by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.InvestigationsTotal,
		m.InvestigationDuration,
		m.StageDuration,
		m.StageAttempts,
		m.StageFailuresTotal,
		m.SubmitsTotal,
		m.EventsDroppedTotal,
		m.SeverityScore,
		m.PersistRetriesTotal,
		m.CorrelatorDropsTotal,
		m.CorrelationsTotal,
	)

	return m
}

// Hooks returns a ServiceHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnStageDone: func(stage string, attempts int, duration float64) {
			m.StageDuration.WithLabelValues(stage).Observe(duration)
			m.StageAttempts.WithLabelValues(stage).Observe(float64(attempts))
		},
		OnStageFailure: func(stage, kind string) {
			m.StageFailuresTotal.WithLabelValues(stage, kind).Inc()
		},
		OnSeverity: func(score float64) {
			m.SeverityScore.Observe(score)
		},
		OnPersistRetry: func() {
			m.PersistRetriesTotal.Inc()
		},
		OnDone: func(status Status, duration float64) {
			m.InvestigationsTotal.WithLabelValues(string(status)).Inc()
			m.InvestigationDuration.WithLabelValues(string(status)).Observe(duration)
		},
	}
}
