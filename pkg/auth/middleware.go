package auth

import (
	"net/http"
	"strings"
)

// Middleware is the request identity binder. It runs once per request and
// never rejects: a missing or invalid bearer credential leaves the request
// anonymous and the data layer decides what anonymous callers may do.
// observe, when non-nil, receives "bound", "anonymous", or "invalid".
func Middleware(v *Verifier, observe func(outcome string)) func(http.Handler) http.Handler {
	if observe == nil {
		observe = func(string) {}
	}
	if v != nil && v.Mode == ModeOff {
		dev := Identity{Subject: "local-dev", Email: "dev@localhost", Name: "Local Developer"}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				observe("bound")
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), dev)))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				observe("anonymous")
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			ident, err := v.Verify(r.Context(), token)
			if err != nil {
				observe("invalid")
				next.ServeHTTP(w, r)
				return
			}
			observe("bound")
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}
