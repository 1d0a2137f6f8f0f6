package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsLabelByRoutePattern(t *testing.T) {
	metrics := NewMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /c/{username}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := metrics.Middleware(mux)

	for _, path := range []string{"/c/alice", "/c/bob", "/nowhere"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "GET /c/{username}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "unmatched", "404")))
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	metrics := NewMetrics()
	metrics.requests.WithLabelValues("POST", "POST /login", "200").Inc()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_requests_total{method="POST",route="POST /login",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
