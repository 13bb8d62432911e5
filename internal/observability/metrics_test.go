package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

func TestNewMetrics_ServesRegisteredCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.Training.RecordOperation(metrics.OpTrainingRun, metrics.StatusSuccess)
	m.Recognition.SetModelLoaded(3)

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `faceid_training_runs_total{status="success"} 1`)
	assert.Contains(t, string(body), "faceid_model_classes 3")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			m, err := NewMetrics()
			assert.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
	wg.Wait()
}

func TestNewEndpoint_Disabled(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	_, err = NewEndpoint(&conf.Settings{}, m)
	require.Error(t, err)
}

func TestEndpoint_StopsOnContextCancel(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	settings := &conf.Settings{Metrics: conf.MetricsSettings{Enabled: true, Listen: "127.0.0.1:0"}}
	e, err := NewEndpoint(settings, m)
	require.NoError(t, err)
	assert.Same(t, m, e.GetMetrics())

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	e.Start(ctx, &wg)
	cancel()
	wg.Wait()
}
