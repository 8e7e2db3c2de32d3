package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, pr *PrometheusRecorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	pr.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusRecorderCounts(t *testing.T) {
	pr := NewPrometheusRecorder(prom.NewRegistry())

	pr.IncFetch(FetchOK)
	pr.IncFetch(FetchOK)
	pr.IncFetch(FetchAuth)
	pr.AddConflicts(2)
	pr.AddConflicts(0)
	pr.AddReminderNotices(3)
	pr.IncQueueDrop()
	pr.SetUsers(4)
	pr.ObserveCycle(120*time.Millisecond, 4)

	out := scrape(t, pr)
	for _, line := range []string{
		`remindcal_calendar_fetches_total{outcome="ok"} 2`,
		`remindcal_calendar_fetches_total{outcome="auth_error"} 1`,
		`remindcal_conflicts_detected_total 2`,
		`remindcal_reminder_notices_total 3`,
		`remindcal_queue_dropped_events_total 1`,
		`remindcal_known_users 4`,
		`remindcal_watcher_cycle_users 4`,
		`remindcal_watcher_cycle_duration_seconds_count 1`,
	} {
		assert.Contains(t, out, line)
	}
}

func TestNilRegistryGetsOwn(t *testing.T) {
	a := NewPrometheusRecorder(nil)
	b := NewPrometheusRecorder(nil)
	a.IncFetch(FetchTransient)

	assert.Contains(t, scrape(t, a), `remindcal_calendar_fetches_total{outcome="transient_error"} 1`)
	assert.NotContains(t, scrape(t, b), `outcome="transient_error"`)
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncFetch(FetchPanic)
	r.ObserveCycle(time.Second, 1)
}
