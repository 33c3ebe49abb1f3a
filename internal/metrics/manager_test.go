package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dataDir string) *metricsManager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	m, ok := NewManager(config.MetricsConfig{Enable: true, Path: "/metrics"}, dataDir, logger).(*metricsManager)
	require.True(t, ok)
	return m
}

func scrape(t *testing.T, m Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewManager_Disabled(t *testing.T) {
	m := NewManager(config.MetricsConfig{Enable: false}, "", nil)
	_, ok := m.(noopManager)
	assert.True(t, ok, "disabled manager should be noopManager")
	assert.False(t, m.Enabled())

	m.ObserveDispatch("r", "query", "ok", "", time.Millisecond)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	m.Middleware()(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestObserveDispatch(t *testing.T) {
	m := newTestManager(t, "")
	assert.True(t, m.Enabled())

	m.ObserveDispatch("insert-in-ledger", "transaction", "committed", "", 2*time.Millisecond)
	m.ObserveDispatch("insert-in-ledger", "transaction", "cancelled", "payload_parse", time.Millisecond)
	m.ObserveDispatch("insert-in-ledger", "transaction", "cancelled", "payload_parse", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("insert-in-ledger", "transaction", "committed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("insert-in-ledger", "transaction", "cancelled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchFailures.WithLabelValues("insert-in-ledger", "payload_parse")))

	body := scrape(t, m)
	assert.Contains(t, body, "ledgerd_dispatch_total")
	assert.Contains(t, body, "ledgerd_dispatch_duration_seconds_bucket")
}

func TestMiddlewareUsesPathTemplate(t *testing.T) {
	m := newTestManager(t, "")

	r := mux.NewRouter()
	r.Use(m.Middleware())
	r.HandleFunc("/v1/routes/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodPost)

	for _, name := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/routes/"+name, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/v1/routes/{name}", "404")))
}

func TestDiskCollector(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	body := scrape(t, m)
	assert.Contains(t, body, "ledgerd_data_dir_total_bytes")
	assert.Contains(t, body, "ledgerd_data_dir_used_percent")
}
