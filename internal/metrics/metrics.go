package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome labels one user's calendar fetch within a cycle.
type FetchOutcome string

const (
	FetchOK        FetchOutcome = "ok"
	FetchAuth      FetchOutcome = "auth_error"
	FetchTransient FetchOutcome = "transient_error"
	FetchPanic     FetchOutcome = "panic"
	FetchSkipped   FetchOutcome = "no_adapter"
)

// Recorder receives watcher and queue observations. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ObserveCycle(d time.Duration, users int)
	IncFetch(outcome FetchOutcome)
	AddConflicts(n int)
	AddReminderNotices(n int)
	IncQueueDrop()
	SetUsers(n int)
}

// NoopRecorder is the default when metrics are not configured.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCycle(time.Duration, int) {}
func (NoopRecorder) IncFetch(FetchOutcome)           {}
func (NoopRecorder) AddConflicts(int)                {}
func (NoopRecorder) AddReminderNotices(int)          {}
func (NoopRecorder) IncQueueDrop()                   {}
func (NoopRecorder) SetUsers(int)                    {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg             *prom.Registry
	cycleDuration   prom.Histogram
	cycleUsers      prom.Gauge
	fetches         *prom.CounterVec
	conflicts       prom.Counter
	reminderNotices prom.Counter
	queueDrops      prom.Counter
	users           prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metrics on reg
// (a fresh registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.cycleDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "remindcal",
		Name:      "watcher_cycle_duration_seconds",
		Help:      "Duration of one calendar watcher cycle",
		Buckets:   prom.DefBuckets,
	})
	pr.cycleUsers = prom.NewGauge(prom.GaugeOpts{
		Namespace: "remindcal",
		Name:      "watcher_cycle_users",
		Help:      "Users processed by the last watcher cycle",
	})
	pr.fetches = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "remindcal",
		Name:      "calendar_fetches_total",
		Help:      "Per-user calendar fetches by outcome",
	}, []string{"outcome"})
	pr.conflicts = prom.NewCounter(prom.CounterOpts{
		Namespace: "remindcal",
		Name:      "conflicts_detected_total",
		Help:      "Calendar conflicts announced to users",
	})
	pr.reminderNotices = prom.NewCounter(prom.CounterOpts{
		Namespace: "remindcal",
		Name:      "reminder_notices_total",
		Help:      "Reminder notices delivered to user queues",
	})
	pr.queueDrops = prom.NewCounter(prom.CounterOpts{
		Namespace: "remindcal",
		Name:      "queue_dropped_events_total",
		Help:      "Outbound events dropped because a user queue was full",
	})
	pr.users = prom.NewGauge(prom.GaugeOpts{
		Namespace: "remindcal",
		Name:      "known_users",
		Help:      "Users known to the registry",
	})
	reg.MustRegister(pr.cycleDuration, pr.cycleUsers, pr.fetches, pr.conflicts, pr.reminderNotices, pr.queueDrops, pr.users)
	return pr
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveCycle(d time.Duration, users int) {
	p.cycleDuration.Observe(d.Seconds())
	p.cycleUsers.Set(float64(users))
}

func (p *PrometheusRecorder) IncFetch(outcome FetchOutcome) {
	p.fetches.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) AddConflicts(n int) {
	if n > 0 {
		p.conflicts.Add(float64(n))
	}
}

func (p *PrometheusRecorder) AddReminderNotices(n int) {
	if n > 0 {
		p.reminderNotices.Add(float64(n))
	}
}

func (p *PrometheusRecorder) IncQueueDrop() { p.queueDrops.Inc() }

func (p *PrometheusRecorder) SetUsers(n int) { p.users.Set(float64(n)) }
