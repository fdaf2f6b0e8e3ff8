// Package metrics exposes the Prometheus collectors recorded by the
// coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "otad"

// Recorder is the metrics sink handed to the core. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	polls        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	reports      *prometheus.CounterVec
	reaped       prometheus.Counter
	notifyErrors *prometheus.CounterVec
	backoff      prometheus.Histogram
}

// New creates the collectors and registers them with reg. Passing nil uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Controller polls by outcome (assigned, resumed, idle, error).",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Deployment state transitions.",
		}, []string{"from", "to"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Status reports by reported status and ingestion result.",
		}, []string{"status", "result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_total",
			Help:      "Stale assignments returned to pending by the reaper.",
		}),
		notifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Observer notifications that failed, by sink.",
		}, []string{"sink"}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_backoff_seconds",
			Help:      "Backoff hints handed to polling controllers.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
	}

	for _, c := range []prometheus.Collector{r.polls, r.transitions, r.reports, r.reaped, r.notifyErrors, r.backoff} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Poll counts one poll with its outcome.
func (r *Recorder) Poll(result string) {
	if r == nil {
		return
	}
	r.polls.WithLabelValues(result).Inc()
}

// Transition counts one deployment state change.
func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// Report counts one status report.
func (r *Recorder) Report(status, result string) {
	if r == nil {
		return
	}
	r.reports.WithLabelValues(status, result).Inc()
}

// Reaped counts n reverted assignments.
func (r *Recorder) Reaped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reaped.Add(float64(n))
}

// NotifyError counts a failed notification for sink.
func (r *Recorder) NotifyError(sink string) {
	if r == nil {
		return
	}
	r.notifyErrors.WithLabelValues(sink).Inc()
}

// Backoff observes a backoff hint in seconds.
func (r *Recorder) Backoff(seconds float64) {
	if r == nil {
		return
	}
	r.backoff.Observe(seconds)
}
