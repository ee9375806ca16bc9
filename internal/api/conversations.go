package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"waassist/internal/conversation"
	"waassist/internal/httpserver"

	"github.com/go-chi/chi/v5"
)

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	list := h.store.List()
	out := make(map[string]conversation.Conversation, len(list))
	for _, c := range list {
		out[c.ChatID] = c
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.store.Get(chi.URLParam(r, "chatID"))
	if !ok {
		writeNotFound(w)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	ok, err := h.service.DeleteConversation(r.Context(), chatID)
	if !ok {
		writeNotFound(w)
		return
	}
	if err != nil {
		h.logger.Warn("failed to reset session", slog.String("chat_id", chatID), slog.String("error", err.Error()))
	}
	h.logger.Info("deleted conversation", slog.String("chat_id", chatID))
	httpserver.WriteJSON(w, http.StatusOK, actionResponse{Success: true, Message: fmt.Sprintf("Conversation %s deleted", chatID)})
}

func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	ok, err := h.service.ClearConversation(r.Context(), chatID)
	if !ok {
		writeNotFound(w)
		return
	}
	if err != nil {
		h.logger.Warn("failed to reset session", slog.String("chat_id", chatID), slog.String("error", err.Error()))
	}
	h.logger.Info("cleared context", slog.String("chat_id", chatID))
	httpserver.WriteJSON(w, http.StatusOK, actionResponse{Success: true, Message: fmt.Sprintf("Context cleared for conversation %s", chatID)})
}

type aiToggleRequest struct {
	Enabled *bool `json:"enabled"`
	IsGroup bool  `json:"is_group"`
}

func (h *Handler) SetAIEnabled(w http.ResponseWriter, r *http.Request) {
	var body aiToggleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, httpserver.CodeBadRequest, "cannot parse request body")
		return
	}
	if body.Enabled == nil {
		httpserver.WriteJSONError(w, http.StatusUnprocessableEntity, httpserver.CodeValidation, "enabled is required")
		return
	}
	conv, err := h.service.SetAIEnabled(chi.URLParam(r, "chatID"), body.IsGroup, *body.Enabled)
	if err != nil {
		h.writeProcessError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, conv)
}

func (h *Handler) Journal(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpserver.WriteJSONError(w, http.StatusBadRequest, httpserver.CodeBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.journal.Recent(r.Context(), chi.URLParam(r, "chatID"), limit)
	if err != nil {
		h.logger.Error("failed to read journal", slog.String("error", err.Error()))
		httpserver.WriteJSONError(w, http.StatusInternalServerError, httpserver.CodeInternal, "failed to read journal")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeNotFound(w http.ResponseWriter) {
	httpserver.WriteJSONError(w, http.StatusNotFound, httpserver.CodeNotFound, "Conversation not found")
}
