package httpserver

import (
	"net"
	"net/http"
	"strings"

	"waassist/internal/auth"
)

const HeaderAPIKey = "X-API-Key"

// RequireAPIKey пропускает запрос только с верным ключом в X-API-Key
// (или в Authorization: Bearer).
func RequireAPIKey(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := svc.Authorize(apiKeyFrom(r)); err != nil {
				WriteJSONError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit ограничивает частоту запросов по API-ключу, а без ключа по IP клиента.
func RateLimit(pool *auth.LimiterPool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.Allow(limitKey(r)) {
				w.Header().Set("Retry-After", "1")
				WriteJSONError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	return r.URL.Query().Get("api_key")
}

func limitKey(r *http.Request) string {
	if key := apiKeyFrom(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
