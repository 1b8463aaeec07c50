// Package middleware provides HTTP middleware components for the capture API.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lifestream-io/lifestream/internal/config"
)

// Environment variables for static token authentication.
const (
	AuthEnabledEnvVar = "LIFESTREAM_AUTH_ENABLED"
	TokenHashEnvVar   = "LIFESTREAM_INGEST_TOKEN_HASH" //nolint:gosec // env var name, not a credential
)

const (
	// bcryptCost is the work factor for newly generated token hashes.
	// Cost 10 = ~60ms per hash (fast enough for a per-request check,
	// slow enough to make offline guessing expensive).
	bcryptCost = 10

	// bcryptInputLimit is bcrypt's hard input cap; bytes beyond it would be
	// silently ignored by the comparison.
	bcryptInputLimit = 72
)

// publicEndpoints defines paths that bypass authentication. Health probes
// and monitoring must answer before any credentials are configured.
//
// Security note: only health check endpoints belong in this map. Never add
// capture or read endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint:gochecknoglobals

// RegisterPublicEndpoint registers a path that bypasses authentication.
// This should only be called during route setup for health check endpoints.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// Authentication error types for granular error handling.
var (
	// ErrMissingToken is returned when no token is present in the headers.
	ErrMissingToken = errors.New("missing API token")

	// ErrInvalidToken is returned when the presented token does not match
	// the configured hash. Deliberately generic: the response never says how
	// close the token was.
	ErrInvalidToken = errors.New("invalid API token")

	// ErrBadTokenHash is returned when auth is enabled but the configured
	// value is not a parseable bcrypt hash.
	ErrBadTokenHash = errors.New("invalid ingest token hash")

	// ErrTokenEmpty is returned when hashing an empty ingest token.
	ErrTokenEmpty = errors.New("ingest token cannot be empty")

	// ErrTokenTooLong is returned when an ingest token exceeds bcrypt's
	// input cap.
	ErrTokenTooLong = errors.New("ingest token too long")
)

// StaticAuth validates requests against a single pre-shared ingest token.
//
// The server holds only the token's bcrypt hash; clients send the raw token
// in X-Api-Key or Authorization: Bearer. One token covers the whole
// deployment; there is no per-client key store behind this.
type StaticAuth struct {
	tokenHash []byte
	logger    *slog.Logger
}

// NewStaticAuth builds a token validator from a bcrypt hash string.
// A malformed hash fails here, at startup, not on the first request.
func NewStaticAuth(tokenHash string, logger *slog.Logger) (*StaticAuth, error) {
	hash := []byte(strings.TrimSpace(tokenHash))

	if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTokenHash, err)
	}

	return &StaticAuth{tokenHash: hash, logger: logger}, nil
}

// NewStaticAuthFromEnv builds the validator from LIFESTREAM_AUTH_ENABLED and
// LIFESTREAM_INGEST_TOKEN_HASH. Returns (nil, nil) when auth is disabled,
// which WithStaticAuth treats as a no-op.
func NewStaticAuthFromEnv(logger *slog.Logger) (*StaticAuth, error) {
	if !config.GetEnvBool(AuthEnabledEnvVar, false) {
		return nil, nil
	}

	return NewStaticAuth(config.GetEnvStr(TokenHashEnvVar, ""), logger)
}

// HashIngestToken generates the bcrypt hash LIFESTREAM_INGEST_TOKEN_HASH
// expects, at the cost Authenticate later pays per request. The token is
// never stored; only its hash is. Tokens over bcrypt's input cap are
// rejected rather than silently truncated.
func HashIngestToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenEmpty
	}

	if len(token) > bcryptInputLimit {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTokenTooLong, len(token), bcryptInputLimit)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	return string(hash), nil
}

// Authenticate creates the middleware that enforces the static token on
// every non-public endpoint.
//
// The middleware:
//   - Bypasses registered public endpoints (health probes)
//   - Extracts the token from X-Api-Key (primary) or Authorization: Bearer
//   - Compares against the bcrypt hash
//   - Returns RFC 7807 compliant 401 responses on failure
func (a *StaticAuth) Authenticate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			token, found := extractToken(r)
			if !found {
				compareDummyToken()
				a.writeAuthError(w, r, ErrMissingToken)

				return
			}

			if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
				a.writeAuthError(w, r, ErrInvalidToken)

				return
			}

			a.logger.Info("API token accepted",
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken extracts the API token from request headers. It checks the
// X-Api-Key header first, then falls back to Authorization: Bearer.
//
// Returns (token, true) if found and valid, ("", false) otherwise.
func extractToken(r *http.Request) (string, bool) {
	if token := r.Header.Get("X-Api-Key"); token != "" {
		return cleanToken(token)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return cleanToken(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// cleanToken validates and trims a token value. Tokens containing newlines
// are rejected outright (header injection prevention), as are tokens that
// are empty after trimming.
func cleanToken(token string) (string, bool) {
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// compareDummyToken performs a throwaway bcrypt comparison so requests
// rejected before the real comparison take the same time as requests
// rejected by it.
func compareDummyToken() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// writeAuthError logs the failure and writes an RFC 7807 compliant 401
// response. Missing and mismatched tokens share the status code; only the
// detail string differs.
func (a *StaticAuth) writeAuthError(w http.ResponseWriter, r *http.Request, authErr error) {
	correlationID := GetCorrelationID(r.Context())

	a.logger.Warn("Authentication failed",
		slog.String("reason", authErr.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := authErr.Error()
	if err := writeProblem(w, r, http.StatusUnauthorized, detail, correlationID); err != nil {
		a.logger.Error("failed to write problem response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)

		// Fallback to plain text if the problem writer fails
		http.Error(w, detail, http.StatusUnauthorized)
	}
}
