package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/beauty-lab/credit_service/pkg/logger"
)

// BearerAuth guards admin endpoints with a static bearer token.
type BearerAuth struct {
	token string
	log   *logger.Logger
}

// NewBearerAuth creates the middleware. An empty token disables the guarded
// endpoints entirely rather than leaving them open.
func NewBearerAuth(token string, log *logger.Logger) *BearerAuth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &BearerAuth{token: token, log: log}
}

// Handler returns the auth middleware handler.
func (a *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			a.log.WithField("path", r.URL.Path).Warn("admin endpoint called with no token configured")
			http.Error(w, `{"error":"admin API disabled"}`, http.StatusForbidden)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == token || subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
