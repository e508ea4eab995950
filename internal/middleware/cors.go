// Package middleware holds cross-cutting HTTP middleware of the relay.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Cybrite/project-amobagan/internal/identity"
)

// AllowedHeaders are the request headers the scanner sends cross-origin:
// the bearer credential, the tab session id and EventSource's resume header.
var AllowedHeaders = []string{"Content-Type", "Authorization", "Last-Event-ID", identity.SessionHeaderName}

const (
	allowedMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	preflightMaxAge = 10 * 60
)

// CORS admits the configured frontend origins. "*" echoes any origin but
// never with credentials, since the anonymous device cookie would then be
// readable by every site.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = true
	}
	allowHeaders := strings.Join(AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if origin == "" || (!wildcard && !explicit[origin]) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			if explicit[origin] {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
