package httpserver

import (
	"log/slog"
	"net/http"

	"waassist/internal/auth"
	"waassist/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

type RouterDeps struct {
	Logger      *slog.Logger
	Auth        *auth.Service
	Limiter     *auth.LimiterPool
	CORSOrigins []string

	Index   http.HandlerFunc
	Health  http.HandlerFunc
	Metrics http.Handler
	// API монтируется под /api за проверкой ключа и лимитом.
	API     func(r chi.Router)
	Webhook http.Handler
}

// NewRouter собирает chi-роутер с общими middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.Logging(deps.Logger))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", HeaderAPIKey, middleware.HeaderRequestID},
			ExposedHeaders:   []string{middleware.HeaderRequestID},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})

	if deps.Index != nil {
		r.Get("/", deps.Index)
	}
	if deps.Health != nil {
		r.Get("/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	if deps.Webhook != nil {
		// Вебхук защищён подписью HMAC, а не API-ключом.
		r.Post("/webhook/whatsapp", deps.Webhook.ServeHTTP)
	}

	if deps.API != nil {
		r.Route("/api", func(api chi.Router) {
			if deps.Limiter != nil {
				api.Use(RateLimit(deps.Limiter))
			}
			if deps.Auth != nil {
				api.Use(RequireAPIKey(deps.Auth))
			}
			deps.API(api)
		})
	}

	return r
}
