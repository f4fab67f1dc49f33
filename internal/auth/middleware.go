package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const subjectKey contextKey = "subject"

// SecretSubject is the caller identity recorded when the raw shared secret
// is presented instead of a token.
const SecretSubject = "shared-secret"

// Gate authenticates requests against the shared secret.
type Gate struct {
	secret []byte
	tokens *TokenService
	logger *slog.Logger
}

// NewGate returns a gate for secret.
func NewGate(secret string, logger *slog.Logger) (*Gate, error) {
	tokens, err := NewTokenService(secret)
	if err != nil {
		return nil, err
	}
	return &Gate{secret: []byte(secret), tokens: tokens, logger: logger}, nil
}

// Tokens exposes the gate's token service so that callers can mint tokens
// it will accept.
func (g *Gate) Tokens() *TokenService {
	return g.tokens
}

// Authenticate checks the Authorization header and returns the caller's
// subject.
func (g *Gate) Authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", false
	}

	if subtle.ConstantTimeCompare([]byte(credential), g.secret) == 1 {
		return SecretSubject, true
	}
	subject, err := g.tokens.Validate(credential)
	if err != nil {
		g.logger.Debug("bearer token rejected", slog.String("error", err.Error()))
		return "", false
	}
	return subject, true
}

// Require is a middleware that rejects unauthenticated requests with 401 and
// stores the caller's subject in the request context.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := g.Authenticate(r)
		if !ok {
			g.logger.Warn("unauthorized request",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="code-executor"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid bearer credential required"}` + "\n"))
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the subject stored by Require.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok && s != ""
}
