package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "dashbot/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "dashbot_test_total", Help: "test"}).Add(3)
	return New(cfg, reg, func() map[string]any { return map[string]any{"queue": 2} }, logx.Nop())
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestService(t, Config{Enabled: true})
	h := s.handler(s.cfg)

	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["queue"])

	rec = get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dashbot_test_total 3")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)
}

func TestTokenGuard(t *testing.T) {
	s := newTestService(t, Config{Enabled: true, Token: "s3cret"})
	h := s.handler(s.cfg)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestPprofUnderPrefix(t *testing.T) {
	s := newTestService(t, Config{Enabled: true, Pprof: true, PprofPrefix: "dbg"})
	h := s.handler(s.cfg)

	rec := get(t, h, "/dbg/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestNormalizePrefixAndLoopback(t *testing.T) {
	assert.Equal(t, DefaultPprofPrefix, normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))

	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9090"))
	assert.False(t, isLoopbackAddr("nope"))
}

func TestReconfigureStartsAndStops(t *testing.T) {
	s := newTestService(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(b), `"status":"ok"`)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}
