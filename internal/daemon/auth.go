package daemon

import (
	"net/http"
	"strings"
)

// TokenAuthMiddleware guards every /v1/ path with a bearer token. WebSocket
// clients cannot set headers from a browser, so a token query parameter is
// accepted as an equivalent.
func TokenAuthMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		presented := ""
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
			presented = strings.TrimSpace(auth[len(prefix):])
		} else {
			presented = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if presented == "" || presented != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
