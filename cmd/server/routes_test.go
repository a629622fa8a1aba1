package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/history"
	"github.com/softkeel/askrelay/internal/identity"
	"github.com/softkeel/askrelay/internal/relay"
)

func testMux(t *testing.T, cfg *config.Config) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := history.NewMemoryStore()
	relayHandler := relay.NewHandler(
		relay.NewAdapter(cfg.Relay, logger),
		history.NewRecorder(store, logger),
		store,
		identity.NewResolver("", logger),
		logger,
		time.Second,
		1<<20,
	)

	stub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return buildMux(cfg, relayHandler, stub, stub)
}

func TestRoutesRegistered(t *testing.T) {
	cfg := config.DefaultConfig()
	mux := testMux(t, cfg)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/health/live"},
		{http.MethodGet, "/health/ready"},
		{http.MethodGet, "/v1/history"},
		{http.MethodGet, "/v1/news"},
		{http.MethodPost, "/v1/news"},
		{http.MethodGet, "/v1/financial"},
		{http.MethodGet, "/metrics"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, "%s %s", tt.method, tt.path)
		assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tt.method, tt.path)
	}
}

func TestMetricsRouteDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	mux := testMux(t, cfg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAskRouteRejectsGet(t *testing.T) {
	mux := testMux(t, config.DefaultConfig())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ask", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
