package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Scan("ok")
		m.Decision("simulate", "rejected")
		m.Observe("sign", time.Now())
		m.Outcome("included")
		m.SetKillSwitch(true)
		m.AuditDrop()
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Decision("precheck", "rejected")
	m.Decision("precheck", "rejected")
	m.Outcome("abandoned")
	m.SetKillSwitch(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageDecisions.WithLabelValues("precheck", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KillSwitch))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mevbot_submission_outcomes_total{status="abandoned"} 1`)
}
