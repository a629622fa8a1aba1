package errors

import (
	"net/http"
	"strings"
	"testing"
)

func TestRelayError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  *RelayError
		want int
	}{
		{"validation maps to 400", NewValidationError("missing query"), http.StatusBadRequest},
		{"unsupported model maps to 400", NewUnsupportedModelError("mistral-7b"), http.StatusBadRequest},
		{"retired provider maps to 400", NewProviderRetiredError("claude-3"), http.StatusBadRequest},
		{"upstream carries provider status", NewUpstreamError("gemini", "gemini-1.5-flash", http.StatusServiceUnavailable), http.StatusServiceUnavailable},
		{"upstream without status maps to 502", NewUpstreamError("openai", "gpt-4o", 0), http.StatusBadGateway},
		{"timeout maps to 504", NewTimeoutError("openai", "gpt-4o"), http.StatusGatewayTimeout},
		{"zero status defaults to 500", &RelayError{Code: CodeInternal}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRelayError_Error(t *testing.T) {
	err := NewUpstreamError("gemini", "gemini-1.5-flash", 503)
	msg := err.Error()
	for _, want := range []string{CodeUpstream, "gemini", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, want it to contain %q", msg, want)
		}
	}
}

func TestNewProviderRetiredError_Message(t *testing.T) {
	err := NewProviderRetiredError("claude-3-opus")
	if !strings.Contains(err.Message, "no longer supported") {
		t.Errorf("retired provider message = %q, want explicit 'no longer supported'", err.Message)
	}
	if err.Code != CodeProviderRetired {
		t.Errorf("code = %q, want %q", err.Code, CodeProviderRetired)
	}
}
