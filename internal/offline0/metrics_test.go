package offline0

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue reads one counter sample from m's registry; labels must match
// the sample's labels exactly.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := m.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, metric := range mf.GetMetric() {
			if len(metric.GetLabel()) != len(labels) {
				continue
			}
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue samples
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("cache-first", SourceCache)
		m.ObserveAppend("sync-requests")
		m.ObserveReplay("sync-requests", true)
		m.ObserveNamespaceDeleted()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("cache-first", SourceCache)
	m.ObserveRequest("cache-first", SourceCache)
	m.ObserveReplay("cols", false)

	assert.Equal(t, 2.0, counterValue(t, m, "offline0_requests_total", map[string]string{"strategy": "cache-first", "source": "cache"}))
	assert.Equal(t, 1.0, counterValue(t, m, "offline0_replay_total", map[string]string{"tag": "cols", "result": "failed"}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `offline0_requests_total{source="cache",strategy="cache-first"} 2`)
}
