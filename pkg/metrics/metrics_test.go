package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	r.Poll("assigned")
	r.Poll("assigned")
	r.Poll("idle")
	r.Transition("PENDING", "ASSIGNED")
	r.Report("SUCCESS", "accepted")
	r.Reaped(3)
	r.NotifyError("webhook")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.polls.WithLabelValues("assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.polls.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("PENDING", "ASSIGNED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reports.WithLabelValues("SUCCESS", "accepted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.reaped))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifyErrors.WithLabelValues("webhook")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Poll("idle")
	r.Transition("a", "b")
	r.Report("RUNNING", "accepted")
	r.Reaped(1)
	r.NotifyError("bus")
	r.Backoff(10)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
