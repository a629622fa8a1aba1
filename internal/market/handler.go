package market

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/softkeel/askrelay/internal/cache"
	"github.com/softkeel/askrelay/internal/metrics"
)

// envelope wraps a series with the original's status field.
type envelope struct {
	Status string `json:"status"`
	*Series
}

// Handler serves GET /v1/financial.
type Handler struct {
	client   *Client
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewHandler wires the financial proxy.
func NewHandler(client *Client, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *Handler {
	return &Handler{client: client, cache: c, cacheTTL: cacheTTL, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		symbol = defaultSymbol
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = IntervalDaily
	}
	if interval != IntervalDaily && interval != IntervalIntraday {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error",
			"error":  fmt.Sprintf("interval must be %q or %q", IntervalDaily, IntervalIntraday),
		})
		return
	}

	cacheKey := "market:" + symbol + ":" + interval
	if cached, ok := h.cache.Get(r.Context(), cacheKey); ok {
		metrics.ProxyCacheHits.WithLabelValues("market", "hit").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached) //nolint:errcheck
		return
	}
	metrics.ProxyCacheHits.WithLabelValues("market", "miss").Inc()

	series, err := h.client.TimeSeries(r.Context(), symbol, interval)
	if err != nil {
		metrics.ProxyUpstreamErrors.WithLabelValues("market").Inc()
		h.logger.Error("market fetch failed", "symbol", symbol, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "failed to fetch market data",
		})
		return
	}

	payload, err := json.Marshal(envelope{Status: "success", Series: series})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "failed to encode response",
		})
		return
	}

	// Fallback data is not cached; the next request should retry upstream.
	if !series.Fallback {
		if err := h.cache.Set(r.Context(), cacheKey, payload, h.cacheTTL); err != nil {
			h.logger.Warn("market cache write failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
