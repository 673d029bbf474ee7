package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware attaches the identity of a valid bearer token to the request
// context. Requests without a token pass through anonymously; requests with
// a bad token are rejected with 401.
func Middleware(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || v == nil {
				next.ServeHTTP(w, r)
				return
			}
			token, err := BearerToken(header)
			if err == nil {
				var id *Identity
				id, err = v.Verify(token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}
			logger.Debug("Rejected bearer token", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
		})
	}
}

// RequireRole rejects requests without an identity (401) or whose identity
// lacks role (403).
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if status := check(r, role); status != http.StatusOK {
				writeError(w, status, http.StatusText(status))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TagAuthorizer maps route tags onto identity checks. The tag "auth"
// requires any identity and "role:<name>" requires that role.
type TagAuthorizer struct{}

// Authorize returns http.StatusOK when the request satisfies every tag,
// otherwise 401 or 403.
func (TagAuthorizer) Authorize(r *http.Request, tags []string) int {
	for _, tag := range tags {
		switch {
		case tag == "auth":
			if status := check(r, ""); status != http.StatusOK {
				return status
			}
		case strings.HasPrefix(tag, "role:"):
			if status := check(r, strings.TrimPrefix(tag, "role:")); status != http.StatusOK {
				return status
			}
		}
	}
	return http.StatusOK
}

func check(r *http.Request, role string) int {
	id, ok := FromContext(r.Context())
	if !ok {
		return http.StatusUnauthorized
	}
	if !id.HasRole(role) {
		return http.StatusForbidden
	}
	return http.StatusOK
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
