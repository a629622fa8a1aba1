package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	relayerrors "github.com/softkeel/askrelay/pkg/errors"

	"github.com/softkeel/askrelay/internal/history"
	"github.com/softkeel/askrelay/internal/httputil"
	"github.com/softkeel/askrelay/internal/identity"
	"github.com/softkeel/askrelay/internal/metrics"
	"github.com/softkeel/askrelay/internal/observability"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// AskRequest is the unified inbound ask shape. The caller supplies its own
// provider credential; the relay never holds provider keys of its own.
type AskRequest struct {
	Model  string `json:"model"`
	APIKey string `json:"api_key"`
	Query  string `json:"query"`
}

// Handler serves the ask, history, and health endpoints.
type Handler struct {
	adapter      *Adapter
	recorder     *history.Recorder
	store        history.Store
	resolver     *identity.Resolver
	logger       *slog.Logger
	stallTimeout time.Duration
	maxBodyBytes int64
}

// NewHandler wires the relay pipeline.
func NewHandler(adapter *Adapter, recorder *history.Recorder, store history.Store, resolver *identity.Resolver, logger *slog.Logger, stallTimeout time.Duration, maxBodyBytes int64) *Handler {
	return &Handler{
		adapter:      adapter,
		recorder:     recorder,
		store:        store,
		resolver:     resolver,
		logger:       logger,
		stallTimeout: stallTimeout,
		maxBodyBytes: maxBodyBytes,
	}
}

// Ask handles POST /v1/ask. The happy path streams normalized SSE fragments;
// a failed Gemini streaming call retries non-streaming and answers with a
// single JSON body instead.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := h.requestLogger(r)

	req, relayErr := h.decodeAsk(r)
	if relayErr != nil {
		metrics.RecordRelayRequest("none", relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}

	kind, err := Resolve(req.Model)
	if err != nil {
		relayErr := asRelayError(err)
		metrics.RecordRelayRequest(kind.String(), relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}

	userID := h.resolver.Resolve(r.Header.Get("Authorization"))
	logger = logger.With("provider", kind.String(), "model", req.Model, "authenticated", userID != nil)

	result := h.adapter.Call(r.Context(), kind, req.APIKey, req.Query, req.Model, true)
	if !result.OK {
		if kind == KindGemini {
			logger.Warn("gemini streaming call failed, retrying non-streaming", "status", result.Status)
			h.fallback(w, r, logger, req, userID, start)
			return
		}
		relayErr := upstreamError(kind, req.Model, result.Status)
		metrics.RecordRelayRequest(kind.String(), relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}
	defer result.Body.Close()

	flusher, _ := w.(http.Flusher)
	// The status line is deferred until the first fragment write, so a
	// stream that dies before producing anything can still get a clean
	// HTTP error instead of an empty 200.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	normalizer := NewNormalizer(kind, logger)
	upstream := newStallReader(result.Body, h.stallTimeout)
	runErr := normalizer.Run(r.Context(), upstream, w, flusher)

	if runErr != nil && !normalizer.Started() {
		var relayErr *relayerrors.RelayError
		if errors.Is(runErr, ErrUpstreamStall) {
			relayErr = relayerrors.NewTimeoutError(kind.String(), req.Model)
		} else {
			relayErr = upstreamError(kind, req.Model, 0)
		}
		metrics.RecordRelayRequest(kind.String(), relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}

	metrics.RecordRelayRequest(kind.String(), http.StatusOK, time.Since(start))

	if runErr != nil {
		// Headers are already sent; nothing can be written but a log line.
		// A truncated stream is never persisted as if it were complete.
		logger.Error("stream ended abnormally",
			"error", runErr,
			"fragments", normalizer.Fragments(),
			"elapsed", time.Since(start))
		return
	}

	text := normalizer.Text()
	logger.Info("stream completed",
		"fragments", normalizer.Fragments(),
		"response_chars", len(text),
		"elapsed", time.Since(start))

	if text != "" {
		h.recorder.Record(userID, req.Model, req.Query, text)
	}
}

// fallback retries a failed Gemini streaming call against the non-streaming
// endpoint and answers with a plain JSON body.
func (h *Handler) fallback(w http.ResponseWriter, r *http.Request, logger *slog.Logger, req *AskRequest, userID *string, start time.Time) {
	result := h.adapter.Call(r.Context(), KindGemini, req.APIKey, req.Query, req.Model, false)
	if !result.OK {
		metrics.RecordFallback(KindGemini.String(), false)
		relayErr := upstreamError(KindGemini, req.Model, result.Status)
		metrics.RecordRelayRequest(KindGemini.String(), relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}
	defer result.Body.Close()

	body, err := httputil.ReadLimitedBody(result.Body, h.maxBodyBytes)
	if err != nil {
		metrics.RecordFallback(KindGemini.String(), false)
		relayErr := relayerrors.NewInternalError("failed to read provider response")
		metrics.RecordRelayRequest(KindGemini.String(), relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}

	text := extractGeminiText(body)
	if text == "" {
		metrics.RecordFallback(KindGemini.String(), false)
		relayErr := upstreamError(KindGemini, req.Model, http.StatusBadGateway)
		metrics.RecordRelayRequest(KindGemini.String(), relayErr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, logger, relayErr)
		return
	}

	metrics.RecordFallback(KindGemini.String(), true)
	metrics.RecordRelayRequest(KindGemini.String(), http.StatusOK, time.Since(start))
	logger.Info("fallback completed", "response_chars", len(text), "elapsed", time.Since(start))

	// Persist before answering so a write to a dead client cannot lose the
	// record.
	h.recorder.Record(userID, req.Model, req.Query, text)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"text": text}); err != nil {
		logger.Error("failed to write fallback response", "error", err)
	}
}

// extractGeminiText reads the first candidate's first part from a complete
// non-streaming Gemini response.
func extractGeminiText(body []byte) string {
	var resp geminiStreamChunk
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
}

// decodeAsk reads and validates the inbound body.
func (h *Handler) decodeAsk(r *http.Request) (*AskRequest, *relayerrors.RelayError) {
	body, err := httputil.ReadLimitedBody(r.Body, h.maxBodyBytes)
	if err != nil {
		if err == httputil.ErrBodyTooLarge {
			return nil, relayerrors.NewValidationError("request body too large")
		}
		return nil, relayerrors.NewValidationError("failed to read request body")
	}

	var req AskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, relayerrors.NewValidationError("request body is not valid JSON")
	}

	req.Model = strings.TrimSpace(req.Model)
	req.Query = strings.TrimSpace(req.Query)
	switch {
	case req.Model == "":
		return nil, relayerrors.NewValidationError("model is required")
	case req.APIKey == "":
		return nil, relayerrors.NewValidationError("api_key is required")
	case req.Query == "":
		return nil, relayerrors.NewValidationError("query is required")
	}
	return &req, nil
}

// History handles GET /v1/history. When the bearer token resolves to a user
// the listing is scoped to that user; otherwise it spans all records.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, logger, relayerrors.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	userID := h.resolver.Resolve(r.Header.Get("Authorization"))
	records, err := h.store.Recent(r.Context(), userID, limit)
	if err != nil {
		logger.Error("history listing failed", "error", err)
		h.writeError(w, logger, relayerrors.NewInternalError("failed to list history"))
		return
	}
	if records == nil {
		records = []*history.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"records": records}); err != nil {
		logger.Error("failed to write history response", "error", err)
	}
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

// Ready handles GET /health/ready: live plus a history backend ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := h.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "history": err.Error()}) //nolint:errcheck
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

// writeError emits the canonical error body. Safe only before headers are
// sent.
func (h *Handler) writeError(w http.ResponseWriter, logger *slog.Logger, relayErr *relayerrors.RelayError) {
	logger.Warn("request rejected", "code", relayErr.Code, "status", relayErr.HTTPStatusCode(), "message", relayErr.Message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(relayErr.HTTPStatusCode())
	payload := map[string]string{"error": relayErr.Message, "code": relayErr.Code}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to write error response", "error", err)
	}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if id := observability.RequestIDFromContext(r.Context()); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

func upstreamError(kind Kind, model string, status int) *relayerrors.RelayError {
	return relayerrors.NewUpstreamError(kind.String(), model, status)
}

func asRelayError(err error) *relayerrors.RelayError {
	if relayErr, ok := err.(*relayerrors.RelayError); ok {
		return relayErr
	}
	return relayerrors.NewInternalError(err.Error())
}
