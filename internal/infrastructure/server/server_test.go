package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvin89/charts-playground/internal/api/middleware"
	"github.com/korvin89/charts-playground/internal/infrastructure/config"
	"github.com/korvin89/charts-playground/internal/infrastructure/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Sandbox.PoolSize = 1
	cfg.RateLimit.Enabled = false

	srv, err := NewServer(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestServerRoutes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{method: "GET", path: "/", want: http.StatusOK},
		{method: "GET", path: "/health", want: http.StatusOK},
		{method: "GET", path: "/metrics", want: http.StatusOK},
		{method: "GET", path: "/api/capabilities", want: http.StatusOK},
		{method: "POST", path: "/api/analyze", body: `{"config":"type: 'pie'"}`, want: http.StatusOK},
		{method: "POST", path: "/api/run", body: `{"config":"const chartConfig = {series: {data: []}};"}`, want: http.StatusOK},
		{method: "GET", path: "/missing", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestServerCompressesResponses(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestServerRecordsRequests(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, int64(3), srv.metrics.Snapshot().TotalRequests)
}

func TestExecConfig(t *testing.T) {
	cfg := config.Default().Sandbox
	cfg.ExecTimeout = 500 * time.Millisecond
	cfg.ResultVariable = "options"

	exec := ExecConfig(cfg)

	assert.Equal(t, 500*time.Millisecond, exec.Timeout)
	assert.Equal(t, "options", exec.ResultVariable)
	assert.Equal(t, cfg.MaxCallStack, exec.MaxCallStackSize)
	assert.Equal(t, "config.ts", exec.SourceName)
}
