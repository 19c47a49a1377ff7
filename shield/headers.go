package shield

import "net/http"

// HeaderConfig defines the security headers applied to every response.
// Empty fields are skipped.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	PermissionsPolicy   string
}

// DefaultHeaders returns the standard security header configuration.
// img-src allows blob: because the upload page previews the selected
// screenshot through an object URL before it is sent for analysis.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: blob: https:; connect-src 'self'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "strict-origin-when-cross-origin",
		PermissionsPolicy:   "camera=(), microphone=(), geolocation=()",
	}
}

// SecurityHeaders returns middleware that sets the configured headers on
// every response. The header list is built once, not per request.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	var pairs [][2]string
	add := func(name, value string) {
		if value != "" {
			pairs = append(pairs, [2]string{name, value})
		}
	}
	add("Content-Security-Policy", cfg.CSP)
	add("X-Frame-Options", cfg.XFrameOptions)
	add("X-Content-Type-Options", cfg.XContentTypeOptions)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				h.Set(p[0], p[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
