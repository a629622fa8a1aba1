// Package identity resolves an optional caller identity from a bearer token.
// Resolution is strictly best-effort: any failure yields an anonymous caller,
// never an error surfaced to the request.
package identity

import (
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver verifies HS256 bearer tokens and extracts the subject claim.
type Resolver struct {
	secret []byte
	logger *slog.Logger
}

// NewResolver creates a resolver. An empty secret disables verification;
// every request then resolves to an anonymous identity.
func NewResolver(secret string, logger *slog.Logger) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		logger: logger,
	}
}

// Resolve returns the user ID from an Authorization header value, or nil
// when the header is absent, malformed, or fails verification.
func (r *Resolver) Resolve(authHeader string) *string {
	if len(r.secret) == 0 {
		return nil
	}

	token := strings.TrimSpace(authHeader)
	if token == "" {
		return nil
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		r.logger.Debug("bearer token rejected, proceeding anonymously", "error", err)
		return nil
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil
	}
	return &sub
}
