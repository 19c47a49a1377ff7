package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/uxlens/ctafocus/kit"
)

type claimsKey struct{}

// Middleware returns an http.Handler middleware that extracts a JWT from the
// access cookie (preferred) or the Authorization Bearer header. If valid, the
// parsed AccessClaims are injected into the request context along with
// kit.UserIDKey and kit.RoleKey so audit and request logs pick up the caller.
// Invalid or missing tokens are silently ignored; use RequireAuth to enforce.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenStr string

			if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
				tokenStr = c.Value
			}

			if tokenStr == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
					tokenStr = h[7:]
				}
			}

			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				// Clear invalid cookie
				http.SetCookie(w, &http.Cookie{Name: TokenCookie, MaxAge: -1, Path: "/"})
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			ctx = kit.WithUserID(ctx, claims.Subject)
			ctx = kit.WithRole(ctx, claims.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims retrieves the AccessClaims from the context, or nil if absent.
func GetClaims(ctx context.Context) *AccessClaims {
	c, _ := ctx.Value(claimsKey{}).(*AccessClaims)
	return c
}

// RequireAuth is an http.Handler middleware that rejects unauthenticated
// requests with a 401 JSON error. The front-end shows its password prompt
// when an API call comes back 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
