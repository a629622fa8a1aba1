package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/history"
	"github.com/softkeel/askrelay/internal/identity"
)

type handlerFixture struct {
	handler *Handler
	store   *history.MemoryStore
}

func newHandlerFixture(t *testing.T, openAIURL, geminiURL string) *handlerFixture {
	t.Helper()
	logger := testLogger()
	adapter := NewAdapter(config.RelayConfig{
		OpenAIBaseURL:       openAIURL,
		GeminiBaseURL:       geminiURL,
		MaxCompletionTokens: 1000,
		ConnectTimeout:      2 * time.Second,
		MaxRequestBytes:     1 << 20,
	}, logger)

	store := history.NewMemoryStore()
	return &handlerFixture{
		handler: NewHandler(
			adapter,
			history.NewRecorder(store, logger),
			store,
			identity.NewResolver("", logger),
			logger,
			time.Second,
			1<<20,
		),
		store: store,
	}
}

func askBody(model, apiKey, query string) *strings.Reader {
	b, _ := json.Marshal(AskRequest{Model: model, APIKey: apiKey, Query: query})
	return strings.NewReader(string(b))
}


func TestAskStreamsOpenAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"!"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	fx := newHandlerFixture(t, upstream.URL, "http://gemini.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gpt-4", "sk-test", "greet me"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	want := "data: {\"content\":\"Hi\"}\n\ndata: {\"content\":\"!\"}\n\n"
	assert.Equal(t, want, rec.Body.String())

	require.Equal(t, 1, fx.store.Len())
	records, err := fx.store.Recent(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Hi!", records[0].Response)
	assert.Equal(t, "gpt-4", records[0].Model)
	assert.Equal(t, "greet me", records[0].Query)
	assert.Nil(t, records[0].UserID)
}

func TestAskGeminiStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/gemini-1.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "AIza-test", r.URL.Query().Get("key"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"candidates":[{"content":{"parts":[{"text":"pong"}]}}]}]`))
	}))
	defer upstream.Close()

	fx := newHandlerFixture(t, "http://openai.invalid", upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gemini-1.5-flash", "AIza-test", "ping"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: {\"content\":\"pong\"}\n\n", rec.Body.String())
	require.Equal(t, 1, fx.store.Len())
}

func TestAskGeminiFallsBackToNonStreaming(t *testing.T) {
	var streamCalls, generateCalls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models/gemini-1.5-flash:streamGenerateContent":
			streamCalls++
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		case "/v1/models/gemini-1.5-flash:generateContent":
			generateCalls++
			w.Header().Set("Content-Type", "application/json")
			// Only the first part of the first candidate counts.
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"steady answer"},{"text":"spillover"}]}}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer upstream.Close()

	fx := newHandlerFixture(t, "http://openai.invalid", upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gemini-1.5-flash", "AIza-test", "fall back"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "steady answer", resp["text"])

	assert.Equal(t, 1, streamCalls)
	assert.Equal(t, 1, generateCalls)

	require.Equal(t, 1, fx.store.Len())
	records, err := fx.store.Recent(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "steady answer", records[0].Response)
}

// A non-2xx from OpenAI has no retry path; its status carries through.
func TestAskOpenAIFailureHasNoFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	fx := newHandlerFixture(t, upstream.URL, "http://gemini.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gpt-4", "sk-test", "hi"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_error", resp["code"])
	assert.Zero(t, fx.store.Len())
}

// An upstream that opens the stream but never produces a byte is answered
// with a 504, since nothing has been written to the client yet.
func TestAskStallBeforeFirstByteIsGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		upstream.Close()
	})

	fx := newHandlerFixture(t, upstream.URL, "http://gemini.invalid")
	fx.handler.stallTimeout = 30 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gpt-4", "sk-test", "hi"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "timeout_error", resp["code"])
	assert.Zero(t, fx.store.Len())
}

// A stall after fragments have gone out can only truncate the stream; the
// partial text must not be persisted.
func TestAskStallMidStreamTruncatesWithoutPersisting(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n"))
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		upstream.Close()
	})

	fx := newHandlerFixture(t, upstream.URL, "http://gemini.invalid")
	fx.handler.stallTimeout = 30 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gpt-4", "sk-test", "hi"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: {\"content\":\"Hi\"}\n\n", rec.Body.String())
	assert.Zero(t, fx.store.Len())
}

// A transport failure has no upstream status to carry; it maps to 502.
func TestAskTransportFailureIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstream.Close()

	fx := newHandlerFixture(t, upstream.URL, "http://gemini.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("gpt-4", "sk-test", "hi"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_error", resp["code"])
	assert.Zero(t, fx.store.Len())
}

func TestAskValidation(t *testing.T) {
	fx := newHandlerFixture(t, "http://openai.invalid", "http://gemini.invalid")

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "not json", body: "{", wantCode: "validation_error"},
		{name: "missing model", body: `{"api_key":"k","query":"q"}`, wantCode: "validation_error"},
		{name: "missing api key", body: `{"model":"gpt-4","query":"q"}`, wantCode: "validation_error"},
		{name: "missing query", body: `{"model":"gpt-4","api_key":"k"}`, wantCode: "validation_error"},
		{name: "whitespace query", body: `{"model":"gpt-4","api_key":"k","query":"  "}`, wantCode: "validation_error"},
		{name: "retired provider", body: `{"model":"claude-3","api_key":"k","query":"q"}`, wantCode: "provider_retired"},
		{name: "unknown provider", body: `{"model":"mistral","api_key":"k","query":"q"}`, wantCode: "unsupported_model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			fx.handler.Ask(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp["code"])
		})
	}

	assert.Zero(t, fx.store.Len())
}

func TestAskRetiredProviderMessage(t *testing.T) {
	fx := newHandlerFixture(t, "http://openai.invalid", "http://gemini.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", askBody("claude-3-opus", "k", "q"))
	rec := httptest.NewRecorder()
	fx.handler.Ask(rec, req)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Claude is no longer supported. Please use OpenAI GPT or Google Gemini.", resp["error"])
}

func TestHistoryEndpoint(t *testing.T) {
	fx := newHandlerFixture(t, "http://openai.invalid", "http://gemini.invalid")

	for _, q := range []string{"first", "second", "third"} {
		require.NoError(t, fx.store.Insert(context.Background(), &history.Record{
			ID:        q,
			Model:     "gpt-4",
			Query:     q,
			Response:  "answer to " + q,
			CreatedAt: time.Now(),
		}))
		time.Sleep(time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=2", nil)
	rec := httptest.NewRecorder()
	fx.handler.History(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Records []history.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "third", resp.Records[0].Query)
	assert.Equal(t, "second", resp.Records[1].Query)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	fx := newHandlerFixture(t, "http://openai.invalid", "http://gemini.invalid")

	for _, raw := range []string{"abc", "0", "-5"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/history?limit="+raw, nil)
		rec := httptest.NewRecorder()
		fx.handler.History(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", raw)
	}
}

func TestHistoryEmptyStore(t *testing.T) {
	fx := newHandlerFixture(t, "http://openai.invalid", "http://gemini.invalid")

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rec := httptest.NewRecorder()
	fx.handler.History(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":[]}`, rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	fx := newHandlerFixture(t, "http://openai.invalid", "http://gemini.invalid")

	rec := httptest.NewRecorder()
	fx.handler.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fx.handler.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
