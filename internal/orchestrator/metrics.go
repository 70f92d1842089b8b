package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestration activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns             *prometheus.CounterVec
	actions           *prometheus.CounterVec
	parseErrors       prometheus.Counter
	forcedReports     *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	refsResolved      *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused so several
// hubs can share one registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "turns_total",
			Help:      "Worker turns executed, by role.",
		}, []string{"role"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "actions_total",
			Help:      "Actions dispatched, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "parse_errors_total",
			Help:      "Action blocks that failed to parse or validate.",
		}),
		forcedReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "forced_reports_total",
			Help:      "Workers terminated by the continuation policy, by reason.",
		}, []string{"reason"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "tasks_completed_total",
			Help:      "Tasks that reached a terminal status, by status.",
		}, []string{"status"}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orca",
			Name:      "inference_duration_seconds",
			Help:      "Latency of inference calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		refsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "context_refs_total",
			Help:      "Context references seen at launch, by result.",
		}, []string{"result"}),
	}

	m.turns = register(reg, m.turns)
	m.actions = register(reg, m.actions)
	m.parseErrors = register(reg, m.parseErrors)
	m.forcedReports = register(reg, m.forcedReports)
	m.tasksCompleted = register(reg, m.tasksCompleted)
	m.inferenceDuration = register(reg, m.inferenceDuration)
	m.refsResolved = register(reg, m.refsResolved)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// IncTurn counts one worker turn.
func (m *Metrics) IncTurn(role string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(role).Inc()
}

// IncAction counts one dispatched action.
func (m *Metrics) IncAction(kind string, isError bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.actions.WithLabelValues(kind, outcome).Inc()
}

// AddParseErrors counts n rejected action blocks.
func (m *Metrics) AddParseErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.parseErrors.Add(float64(n))
}

// IncForcedReport counts one policy-terminated worker.
func (m *Metrics) IncForcedReport(reason string) {
	if m == nil {
		return
	}
	m.forcedReports.WithLabelValues(reason).Inc()
}

// IncTaskCompleted counts one task reaching a terminal status.
func (m *Metrics) IncTaskCompleted(status string) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
}

// ObserveInference records the latency of one inference call.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
}

// AddRefs records context reference resolution at launch.
func (m *Metrics) AddRefs(resolved, missing int) {
	if m == nil {
		return
	}
	if resolved > 0 {
		m.refsResolved.WithLabelValues("resolved").Add(float64(resolved))
	}
	if missing > 0 {
		m.refsResolved.WithLabelValues("missing").Add(float64(missing))
	}
}
