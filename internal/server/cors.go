package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig declares the origins allowed to call the API and open sockets
// across domains. Same-origin requests are always permitted. Entries are
// exact origins such as https://app.example.com, wildcard subdomains such as
// https://*.example.com, or "*" to accept any origin.
type CORSConfig struct {
	AllowedOrigins []string
}

type corsPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []originSuffix
}

// originSuffix matches https://*.example.com against any subdomain of
// example.com with the same scheme.
type originSuffix struct {
	scheme string
	suffix string
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{exact: make(map[string]struct{})}
	for _, raw := range cfg.AllowedOrigins {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
			continue
		case entry == "*":
			policy.any = true
		case strings.Contains(entry, "://*."):
			scheme, host, _ := strings.Cut(entry, "://*.")
			scheme = strings.ToLower(scheme)
			host = strings.ToLower(strings.TrimSuffix(host, "/"))
			if scheme == "" || host == "" || strings.ContainsAny(host, "/*") {
				return corsPolicy{}, fmt.Errorf("parse origin %q: malformed wildcard", raw)
			}
			policy.suffixes = append(policy.suffixes, originSuffix{scheme: scheme, suffix: "." + host})
		default:
			normalized, err := normalizeOrigin(entry)
			if err != nil {
				return corsPolicy{}, fmt.Errorf("parse origin %q: %w", raw, err)
			}
			policy.exact[normalized] = struct{}{}
		}
	}
	return policy, nil
}

// OriginChecker returns a websocket CheckOrigin function enforcing the same
// policy as the CORS middleware. Requests without an Origin header come from
// non-browser clients and are accepted.
func OriginChecker(cfg CORSConfig) (func(*http.Request) bool, error) {
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || policy.allows(origin, r)
	}, nil
}

func normalizeOrigin(origin string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

func (p corsPolicy) allows(origin string, r *http.Request) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil {
		return false
	}
	if p.any {
		return true
	}
	if _, ok := p.exact[normalized]; ok {
		return true
	}
	scheme, host, _ := strings.Cut(normalized, "://")
	for _, s := range p.suffixes {
		if s.scheme == scheme && strings.HasSuffix(host, s.suffix) {
			return true
		}
	}
	return normalized == requestOrigin(r)
}

// requestOrigin is the origin the request was addressed to, used to accept
// same-origin browser calls without configuration.
func requestOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.allows(origin, r) {
			if logger != nil {
				loggerWithRequestContext(r.Context(), logger).Warn("blocked cross-origin request", "origin", origin, "path", r.URL.Path)
			}
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		header := w.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Expose-Headers", "X-Request-Id")

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Access-Control-Request-Method") != "" {
			header.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			requested := r.Header.Get("Access-Control-Request-Headers")
			if requested == "" {
				requested = "Content-Type, X-Request-Id"
			}
			header.Set("Access-Control-Allow-Headers", requested)
			header.Set("Access-Control-Max-Age", "600")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
