package httpx

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// Logging returns a middleware that logs one line per request with the
// final status and the bytes written.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.Status(),
				"bytes", rec.bytes,
				"duration", time.Since(start),
			)
		})
	}
}

// statusRecorder captures the response status and size. The status
// stays zero until the handler writes, so unset means an implicit 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Recover returns a middleware that turns handler panics into 500
// responses instead of tearing down the server.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic in handler",
						"error", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					WriteError(w, http.StatusInternalServerError,
						string(apperrors.ErrCodeInternal), "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// TokenVerifier validates OIDC bearer tokens. *oidc.IDTokenVerifier
// satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// AuthConfig controls API authentication. A static token and an OIDC
// verifier may both be configured; a request passes when either accepts
// its bearer token. A nil *AuthConfig leaves the API open.
type AuthConfig struct {
	Token    string
	Verifier TokenVerifier
}

// RequireAuth returns a middleware that rejects requests without valid
// credentials with a 403 Forbidden response.
func RequireAuth(auth *AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.allows(r) {
				WriteError(w, http.StatusForbidden,
					"authentication_required", "authentication credentials were not provided")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (a *AuthConfig) allows(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if a.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1 {
		return true
	}
	if a.Verifier != nil {
		if _, err := a.Verifier.Verify(r.Context(), token); err == nil {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
