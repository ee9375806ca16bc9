package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"waassist/internal/assistant"
	"waassist/internal/auth"
	"waassist/internal/conversation"
	"waassist/internal/delivery"
	"waassist/internal/httpserver"
	"waassist/internal/reporting"
)

const (
	maxWebhookBody  = 1 << 20
	deliveryTimeout = 30 * time.Second

	headerSignature = "X-Hub-Signature-256"
)

// Processor часть assistant.Service, нужная вебхуку.
type Processor interface {
	Process(ctx context.Context, req assistant.Request) (assistant.AIResponse, error)
	ClearConversation(ctx context.Context, chatID string) (bool, error)
	SetAIEnabled(chatID string, isGroup, enabled bool) (conversation.Conversation, error)
}

type WebhookDeps struct {
	Processor     Processor
	Sender        delivery.Sender
	Logger        *slog.Logger
	WebhookSecret string
	SelfID        string
	ResponseDelay time.Duration
	Now           func() time.Time
}

// WebhookHandler принимает события шлюза WhatsApp, прогоняет сообщения через
// ассистента и после задержки отправляет ответ обратно в чат.
type WebhookHandler struct {
	processor     Processor
	sender        delivery.Sender
	logger        *slog.Logger
	webhookSecret string
	selfID        string
	delay         time.Duration
	now           func() time.Time

	wg sync.WaitGroup
}

func NewWebhookHandler(deps WebhookDeps) *WebhookHandler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &WebhookHandler{
		processor:     deps.Processor,
		sender:        deps.Sender,
		logger:        deps.Logger,
		webhookSecret: deps.WebhookSecret,
		selfID:        deps.SelfID,
		delay:         deps.ResponseDelay,
		now:           deps.Now,
	}
}

type webhookResult struct {
	OK          bool   `json:"ok"`
	Ignored     string `json:"ignored,omitempty"`
	ShouldReply bool   `json:"should_reply"`
	Reason      string `json:"reason,omitempty"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteJSONError(w, http.StatusRequestEntityTooLarge, httpserver.CodePayloadTooLarge, "webhook body too large")
			return
		}
		httpserver.WriteJSONError(w, http.StatusBadRequest, httpserver.CodeBadRequest, "cannot read webhook body")
		return
	}
	if err := auth.VerifySignature(h.webhookSecret, body, r.Header.Get(headerSignature)); err != nil {
		h.logger.Warn("webhook signature rejected", slog.String("remote", r.RemoteAddr))
		httpserver.WriteJSONError(w, http.StatusForbidden, "forbidden", "invalid webhook signature")
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, httpserver.CodeBadRequest, "cannot parse webhook event")
		return
	}
	if evt.Event != EventMessage {
		httpserver.WriteJSON(w, http.StatusOK, webhookResult{OK: true, Ignored: "event " + evt.Event})
		return
	}

	msg := evt.Payload.ToMessage(h.selfID, h.now())
	if msg.Type == conversation.TypeText && strings.TrimSpace(msg.Text) == "" {
		httpserver.WriteJSON(w, http.StatusOK, webhookResult{OK: true, Ignored: "empty message"})
		return
	}

	ctx := r.Context()
	if evt.Payload.IsFromMe && strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		h.handleCommand(ctx, msg)
		httpserver.WriteJSON(w, http.StatusOK, webhookResult{OK: true, Ignored: "command"})
		return
	}

	resp, err := h.processor.Process(ctx, assistant.Request{Message: msg})
	if err != nil {
		h.writeProcessError(w, msg, err)
		return
	}

	if resp.ShouldReply {
		h.deliverLater(ctx, msg, resp.Text)
	}
	httpserver.WriteJSON(w, http.StatusOK, webhookResult{OK: true, ShouldReply: resp.ShouldReply, Reason: resp.Reasoning})
}

func (h *WebhookHandler) writeProcessError(w http.ResponseWriter, msg conversation.Message, err error) {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		httpserver.WriteJSONError(w, http.StatusUnprocessableEntity, httpserver.CodeValidation, err.Error())
	case errors.Is(err, assistant.ErrNotReady):
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, httpserver.CodeNotReady, err.Error())
	default:
		h.logger.Error("webhook processing failed",
			slog.String("chat_id", msg.ChatID),
			slog.String("error", err.Error()),
		)
		httpserver.WriteJSONError(w, http.StatusInternalServerError, httpserver.CodeInternal, "processing failed")
	}
}

// handleCommand обрабатывает служебные команды владельца аккаунта: /ai on, /ai off, /reset.
func (h *WebhookHandler) handleCommand(ctx context.Context, msg conversation.Message) {
	fields := strings.Fields(strings.ToLower(msg.Text))
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch {
	case cmd == "/ai" && (arg == "on" || arg == "off"):
		if _, err := h.processor.SetAIEnabled(msg.ChatID, msg.IsGroup, arg == "on"); err != nil {
			h.logger.Error("toggle auto reply failed", slog.String("error", err.Error()))
			return
		}
		state := "disabled"
		if arg == "on" {
			state = "enabled"
		}
		h.reply(ctx, msg, "Auto replies "+state+" for this chat.", false)
	case cmd == "/reset":
		if _, err := h.processor.ClearConversation(ctx, msg.ChatID); err != nil {
			h.logger.Error("reset conversation failed", slog.String("error", err.Error()))
			return
		}
		h.reply(ctx, msg, "Conversation context cleared.", false)
	default:
		h.logger.Debug("unknown command ignored", slog.String("chat_id", msg.ChatID), slog.String("command", cmd))
	}
}

func (h *WebhookHandler) deliverLater(ctx context.Context, msg conversation.Message, text string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if h.delay > 0 {
			timer := time.NewTimer(h.delay)
			defer timer.Stop()
			<-timer.C
		}
		h.reply(ctx, msg, text, msg.IsGroup)
	}()
}

func (h *WebhookHandler) reply(ctx context.Context, msg conversation.Message, text string, quote bool) {
	if h.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	out := delivery.Text{Phone: msg.ChatID, Message: text}
	if quote {
		out.ReplyMessageID = msg.ID
	}
	id, err := h.sender.SendText(ctx, out)
	if err != nil {
		if errors.Is(err, delivery.ErrNotConfigured) {
			h.logger.Debug("gateway not configured, reply not sent", slog.String("chat_id", msg.ChatID))
			return
		}
		h.logger.Error("send message failed",
			slog.String("chat_id", msg.ChatID),
			slog.String("error", err.Error()),
		)
		reporting.CaptureError(ctx, err, map[string]string{"chat_id": msg.ChatID, "stage": "delivery"})
		return
	}
	h.logger.Info("reply delivered", slog.String("chat_id", msg.ChatID), slog.String("message_id", id))
}

// Wait ждёт отложенные отправки или истечения ctx.
func (h *WebhookHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
