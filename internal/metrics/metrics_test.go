package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesSweepMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SweepFinished("ok", 3, 120*time.Millisecond)
	m.SweepFinished("error", 0, time.Second)

	srv := httptest.NewServer(NewServer(":0", reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rural_health_sweep_runs_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), `rural_health_sweep_runs_total{outcome="error"} 1`)
	assert.Contains(t, string(body), "rural_health_sweep_appointments_cancelled_total 3")
	assert.Contains(t, string(body), "rural_health_sweep_duration_seconds_count 2")
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BookingCreated("critical")
		m.ClassifierFallback("error")
		m.NotificationFailed("created")
		m.SweepFinished("ok", 1, time.Millisecond)
	})
}
