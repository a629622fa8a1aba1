package newsfeed

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/softkeel/askrelay/internal/cache"
	"github.com/softkeel/askrelay/internal/metrics"
)

const (
	defaultCountry  = "us"
	defaultPageSize = 5
	maxPageSize     = 100
)

// request carries the merged GET/POST parameters.
type request struct {
	Topic    string `json:"topic"`
	Country  string `json:"country"`
	PageSize int    `json:"pageSize"`
}

// response is the proxy's stable output shape.
type response struct {
	Articles     []Article `json:"articles"`
	TotalResults int       `json:"totalResults"`
	Status       string    `json:"status"`
}

// Handler serves GET and POST /v1/news.
type Handler struct {
	client   *Client
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewHandler wires the news proxy.
func NewHandler(client *Client, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *Handler {
	return &Handler{client: client, cache: c, cacheTTL: cacheTTL, logger: logger}
}

// ServeHTTP accepts the topic either as query parameters or a JSON body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "status": "error"})
		return
	}

	cacheKey := fmt.Sprintf("news:%s:%d:%s", req.Country, req.PageSize, strings.ToLower(req.Topic))
	if cached, ok := h.cache.Get(r.Context(), cacheKey); ok {
		metrics.ProxyCacheHits.WithLabelValues("news", "hit").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached) //nolint:errcheck
		return
	}
	metrics.ProxyCacheHits.WithLabelValues("news", "miss").Inc()

	articles, err := h.client.TopHeadlines(r.Context(), req.Topic, req.Country, req.PageSize)
	if err != nil {
		metrics.ProxyUpstreamErrors.WithLabelValues("news").Inc()
		h.logger.Error("news fetch failed", "topic", req.Topic, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "status": "error"})
		return
	}
	if articles == nil {
		articles = []Article{}
	}

	payload, err := json.Marshal(response{
		Articles:     articles,
		TotalResults: len(articles),
		Status:       "success",
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode response", "status": "error"})
		return
	}

	if err := h.cache.Set(r.Context(), cacheKey, payload, h.cacheTTL); err != nil {
		h.logger.Warn("news cache write failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload) //nolint:errcheck
}

func parseRequest(r *http.Request) (*request, error) {
	req := &request{Country: defaultCountry, PageSize: defaultPageSize}

	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, fmt.Errorf("invalid request body")
		}
		if req.Country == "" {
			req.Country = defaultCountry
		}
		if req.PageSize == 0 {
			req.PageSize = defaultPageSize
		}
	} else {
		q := r.URL.Query()
		req.Topic = q.Get("topic")
		if country := q.Get("country"); country != "" {
			req.Country = country
		}
		if raw := q.Get("pageSize"); raw != "" {
			size, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("pageSize must be an integer")
			}
			req.PageSize = size
		}
	}

	if req.PageSize <= 0 || req.PageSize > maxPageSize {
		return nil, fmt.Errorf("pageSize must be between 1 and %d", maxPageSize)
	}
	req.Topic = strings.TrimSpace(req.Topic)
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
