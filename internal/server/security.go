package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; connect-src 'self'; frame-ancestors 'none'"
	defaultStrictTransport       = "max-age=31536000"
)

// SecurityConfig controls the hardening headers added to every response.
// Empty fields fall back to values suited to a JSON and socket API.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	// StrictTransportSecurity is only sent on TLS connections.
	StrictTransportSecurity string
}

type headerValue struct {
	name, value string
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	always := []headerValue{
		{"Content-Security-Policy", orDefault(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy)},
		{"X-Frame-Options", orDefault(cfg.FrameOptions, "DENY")},
		{"X-Content-Type-Options", orDefault(cfg.ContentTypeOptions, "nosniff")},
		{"Referrer-Policy", orDefault(cfg.ReferrerPolicy, "no-referrer")},
	}
	hsts := orDefault(cfg.StrictTransportSecurity, defaultStrictTransport)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for _, h := range always {
			header.Set(h.name, h.value)
		}
		if r.TLS != nil {
			header.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
