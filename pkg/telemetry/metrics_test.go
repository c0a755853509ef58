package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordStep(engine.StepOSBootstrap, engine.OutcomeSucceeded, 2*time.Second)
	m.RecordStep(engine.StepQuotaSet, engine.OutcomeSkipped, 0)
	m.RecordRun("completed", 30*time.Second)
	m.AddBytesFetched(1024)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `pinstrap_steps_executed_total{outcome="succeeded",step="os-bootstrap"} 1`)
	assert.Contains(t, body, `pinstrap_steps_executed_total{outcome="skipped",step="quota-set"} 1`)
	assert.Contains(t, body, `pinstrap_runs_completed_total{status="completed"} 1`)
	assert.Contains(t, body, "pinstrap_artifact_bytes_fetched_total 1024")

	// Skipped steps do not pollute the duration histogram.
	assert.NotContains(t, body, `pinstrap_step_duration_seconds_count{step="quota-set"}`)
	assert.Contains(t, body, `pinstrap_step_duration_seconds_count{step="os-bootstrap"} 1`)
}

func TestTracerDisabledIsNoop(t *testing.T) {
	tr, err := NewTracer(false, "test")
	require.NoError(t, err)
	require.NotNil(t, tr.Tracer())
	assert.NoError(t, tr.Shutdown(t.Context()))
}
