// Package api HTTP-обработчики сервиса: обработка сообщений, разговоры, модели и health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"waassist/internal/assistant"
	"waassist/internal/conversation"
	"waassist/internal/httpserver"
	"waassist/internal/journal"
	"waassist/internal/ollama"

	"github.com/go-chi/chi/v5"
)

const (
	ServiceName    = "WhatsApp AI Assistant"
	maxRequestBody = 1 << 20
	healthTimeout  = 5 * time.Second
)

// Models клиент списка моделей и проверки доступности бэкенда.
type Models interface {
	ListModels(ctx context.Context, force bool) ([]string, error)
	Health(ctx context.Context) bool
}

type Deps struct {
	Service *assistant.Service
	Store   *conversation.Store
	Models  Models
	Journal journal.Journal
	Logger  *slog.Logger
	Version string

	// StreamPongWait сколько websocket ждёт pong или нового запроса; 0 значит 60s.
	StreamPongWait time.Duration
}

type Handler struct {
	service  *assistant.Service
	store    *conversation.Store
	models   Models
	journal  journal.Journal
	logger   *slog.Logger
	version  string
	pongWait time.Duration
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.StreamPongWait <= 0 {
		deps.StreamPongWait = defaultPongWait
	}
	return &Handler{
		service:  deps.Service,
		store:    deps.Store,
		models:   deps.Models,
		journal:  deps.Journal,
		logger:   deps.Logger,
		version:  deps.Version,
		pongWait: deps.StreamPongWait,
	}
}

// Routes регистрирует маршруты /api.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/process-message", h.ProcessMessage)
	r.Get("/stream", h.Stream)
	r.Get("/models", h.ListModels)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Delete("/", h.DeleteConversation)
			r.Post("/clear", h.ClearConversation)
			r.Post("/ai", h.SetAIEnabled)
			r.Get("/journal", h.Journal)
		})
	})
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{
		"service": ServiceName,
		"version": h.version,
		"status":  "running",
	})
}

type healthResponse struct {
	Status              string   `json:"status"`
	OllamaHealthy       bool     `json:"ollama_healthy"`
	ServiceVersion      string   `json:"service_version"`
	ActiveConversations int      `json:"active_conversations"`
	AvailableModels     []string `json:"available_models"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:              "unhealthy",
		ServiceVersion:      h.version,
		ActiveConversations: h.store.Len(),
		AvailableModels:     []string{},
	}
	if h.models != nil {
		resp.OllamaHealthy = h.models.Health(ctx)
		models, err := h.models.ListModels(ctx, false)
		if err != nil {
			h.logger.Error("failed to fetch available models", slog.String("error", err.Error()))
		} else {
			resp.AvailableModels = models
		}
	}
	if resp.OllamaHealthy {
		resp.Status = "healthy"
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

type processRequest struct {
	Message      *conversation.Message      `json:"message"`
	UserProfile  *conversation.UserProfile  `json:"user_profile,omitempty"`
	GroupContext *conversation.GroupContext `json:"group_context,omitempty"`
}

func (p processRequest) toRequest() (assistant.Request, error) {
	if p.Message == nil {
		return assistant.Request{}, &conversation.ValidationError{Field: "message", Reason: "is required"}
	}
	return assistant.Request{Message: *p.Message, Profile: p.UserProfile, Group: p.GroupContext}, nil
}

type processResponse struct {
	Success      bool                       `json:"success"`
	AIResponse   *assistant.AIResponse      `json:"ai_response"`
	Conversation *conversation.Conversation `json:"conversation"`
	Error        string                     `json:"error,omitempty"`
}

func (h *Handler) ProcessMessage(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, httpserver.CodeBadRequest, "cannot parse request body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.writeProcessError(w, err)
		return
	}

	resp, err := h.service.Process(r.Context(), req)
	if err != nil {
		h.writeProcessError(w, err)
		return
	}

	out := processResponse{Success: true, AIResponse: &resp}
	if conv, ok := h.store.Get(req.Message.ChatID); ok {
		out.Conversation = &conv
	}
	h.logger.Info("processed message",
		slog.String("chat_id", req.Message.ChatID),
		slog.String("sender_id", req.Message.SenderID),
	)
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) writeProcessError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("error processing message", slog.String("error", err.Error()))
	}
	httpserver.WriteJSONError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrValidation), errors.Is(err, ollama.ErrValidation):
		return http.StatusUnprocessableEntity, httpserver.CodeValidation
	case errors.Is(err, assistant.ErrNotReady):
		return http.StatusServiceUnavailable, httpserver.CodeNotReady
	default:
		return http.StatusInternalServerError, httpserver.CodeInternal
	}
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, httpserver.CodeNotReady, "ollama client not initialized")
		return
	}
	models, err := h.models.ListModels(r.Context(), r.URL.Query().Get("refresh") == "true")
	if err != nil {
		h.logger.Error("error listing models", slog.String("error", err.Error()))
		httpserver.WriteJSONError(w, http.StatusInternalServerError, httpserver.CodeBackend, "error listing models: "+err.Error())
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string][]string{"models": models})
}
