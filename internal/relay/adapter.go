package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/httputil"
	"github.com/softkeel/askrelay/internal/observability"
)

// UpstreamResult is the adapter's uniform view of a provider call.
// Transport failures and non-2xx statuses both surface as OK=false; the
// adapter never returns an error past this boundary.
// A successful result's Body is consumed exactly once, by either the
// normalizer or the fallback path.
type UpstreamResult struct {
	OK     bool
	Status int
	Body   io.ReadCloser
}

// Adapter builds provider-specific HTTP requests from the unified ask shape
// and returns the raw upstream response without interpreting its payload.
type Adapter struct {
	openAIBaseURL string
	geminiBaseURL string
	maxTokens     int
	client        *http.Client
	logger        *slog.Logger
	redactor      *observability.Redactor
}

// NewAdapter creates an adapter from relay configuration.
// The client deliberately has no overall timeout: streamed responses run for
// as long as the provider keeps generating. Connection establishment and
// response headers are still bounded.
func NewAdapter(cfg config.RelayConfig, logger *slog.Logger) *Adapter {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}

	return &Adapter{
		openAIBaseURL: cfg.OpenAIBaseURL,
		geminiBaseURL: cfg.GeminiBaseURL,
		maxTokens:     cfg.MaxCompletionTokens,
		client:        &http.Client{Transport: transport},
		logger:        logger,
		redactor:      observability.NewRedactor(),
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

// Call issues the upstream provider request for the given query.
// The streaming flag selects the Gemini endpoint variant and the OpenAI
// stream field; callers set it false only on the fallback retry.
func (a *Adapter) Call(ctx context.Context, kind Kind, apiKey, query, model string, streaming bool) *UpstreamResult {
	req, err := a.buildRequest(ctx, kind, apiKey, query, model, streaming)
	if err != nil {
		a.logger.Error("failed to build upstream request",
			"provider", kind.String(), "error", a.redactor.Redact(err.Error()))
		return &UpstreamResult{OK: false, Status: 0}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Transport errors embed the request URL, which for Gemini carries
		// the caller's API key as a query parameter.
		a.logger.Error("upstream request failed",
			"provider", kind.String(), "error", a.redactor.Redact(err.Error()))
		return &UpstreamResult{OK: false, Status: 0}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxErrorBodyBytes)
		_ = resp.Body.Close()
		a.logger.Error("upstream returned error status",
			"provider", kind.String(),
			"status", resp.StatusCode,
			"body", a.redactor.Redact(string(body)),
		)
		return &UpstreamResult{OK: false, Status: resp.StatusCode}
	}

	return &UpstreamResult{OK: true, Status: resp.StatusCode, Body: resp.Body}
}

func (a *Adapter) buildRequest(ctx context.Context, kind Kind, apiKey, query, model string, streaming bool) (*http.Request, error) {
	switch kind {
	case KindOpenAI:
		return a.buildOpenAIRequest(ctx, apiKey, query, model, streaming)
	case KindGemini:
		return a.buildGeminiRequest(ctx, apiKey, query, streaming)
	default:
		return nil, fmt.Errorf("no request builder for provider %q", kind.String())
	}
}

func (a *Adapter) buildOpenAIRequest(ctx context.Context, apiKey, query, model string, streaming bool) (*http.Request, error) {
	body, err := json.Marshal(openAIRequest{
		Model:     OpenAIVariant(model),
		Messages:  []openAIMessage{{Role: "user", Content: query}},
		Stream:    streaming,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := a.openAIBaseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) buildGeminiRequest(ctx context.Context, apiKey, query string, streaming bool) (*http.Request, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: query}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	action := "generateContent"
	if streaming {
		action = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/v1/models/%s:%s?key=%s",
		a.geminiBaseURL, GeminiModel, action, url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
