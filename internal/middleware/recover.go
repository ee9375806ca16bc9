package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"waassist/internal/reporting"
)

// Recover перехватывает panic, отправляет её в Sentry и возвращает 500, не падая процессом.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(reporting.WithHub(r.Context(), GetRequestID(r.Context())))
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						slog.String("error", fmt.Sprint(rec)),
						slog.String("path", r.URL.Path),
						slog.String("request_id", GetRequestID(r.Context())),
						slog.String("stack", string(debug.Stack())),
					)
					reporting.CapturePanic(r.Context(), rec)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
