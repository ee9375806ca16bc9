package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"waassist/internal/contract"
	"waassist/internal/conversation"
	"waassist/internal/journal"
	"waassist/internal/metrics"
	"waassist/internal/normalize"
	"waassist/internal/ollama"
	"waassist/internal/policy"
	"waassist/internal/prompt"
	"waassist/internal/reporting"
)

// ErrNotReady возвращается, если сервис собран без клиента модели.
var ErrNotReady = errors.New("assistant backend is not initialized")

const (
	FallbackTimeoutText = "Sorry, this is taking longer than expected. Please try again in a moment."
	FallbackErrorText   = "Sorry, I'm having trouble processing your message. Please try again later."

	fallbackTimeoutConfidence = 0.2
	fallbackErrorConfidence   = 0.1

	ReasonFallbackTimeout = "fallback: backend timeout"
	ReasonFallbackError   = "fallback: backend error"
)

// Backend клиент модели. Реализуется *ollama.Client.
type Backend interface {
	Generate(ctx context.Context, req ollama.GenerateRequest) (ollama.Reply, error)
	Stream(ctx context.Context, req ollama.GenerateRequest) (*ollama.Stream, error)
	ResetSession(ctx context.Context, sessionID string) error
}

// AIResponse результат обработки одного сообщения.
type AIResponse struct {
	Text             string   `json:"text"`
	ShouldReply      bool     `json:"should_reply"`
	Questions        []string `json:"questions"`
	Context          string   `json:"context"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
	Model            string   `json:"model,omitempty"`
}

// Request входящее сообщение с необязательными сведениями об отправителе и группе.
type Request struct {
	Message conversation.Message
	Profile *conversation.UserProfile
	Group   *conversation.GroupContext
}

// Deps зависимости сервиса. Store обязателен, Backend может отсутствовать до готовности модели.
type Deps struct {
	Backend Backend
	Store   *conversation.Store
	Journal journal.Journal
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service проводит сообщение через весь конвейер: история, промпт, модель,
// очистка ответа и политика автоответа.
type Service struct {
	cfg         Config
	backend     Backend
	store       *conversation.Store
	journal     journal.Journal
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	composer    prompt.Composer
	builder     prompt.Builder
	policy      *policy.Policy
	contract    string
	instruction string
	stop        []string
}

// NewService проверяет конфигурацию и собирает сервис.
func NewService(cfg Config, deps Deps) (*Service, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid assistant config: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Service{
		cfg:      cfg,
		backend:  deps.Backend,
		store:    deps.Store,
		journal:  deps.Journal,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		composer: prompt.NewComposer(cfg.MaxContextChars, cfg.ContextWindow, cfg.SnippetChars),
		builder:  prompt.Builder{AssistantName: cfg.displayName()},
		policy:   policy.New(cfg.AutoReplyThreshold, cfg.AssistantNames, cfg.SelfID),
		contract: cfg.contractName(),
		stop:     mergeStop(prompt.StopSequences(), cfg.Stop),
	}
	if s.contract != "" {
		s.instruction, err = contract.Instruction(s.contract)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config возвращает проверенную конфигурацию.
func (s *Service) Config() Config {
	return s.cfg
}

// Ready сообщает, подключён ли клиент модели.
func (s *Service) Ready() bool {
	return s.backend != nil
}

type generateFunc func(ctx context.Context, req ollama.GenerateRequest) (ollama.Reply, error)

// Process обрабатывает сообщение целиком.
// Ошибки валидации и ErrNotReady возвращаются вызывающему; сбои модели
// превращаются в ответ-заглушку.
func (s *Service) Process(ctx context.Context, req Request) (AIResponse, error) {
	if s.backend == nil {
		return AIResponse{}, ErrNotReady
	}
	return s.process(ctx, req, s.backend.Generate)
}

// ProcessStream работает как Process, но читает ответ модели потоком.
// onDelta получает сырые фрагменты текста по мере поступления; итоговый
// AIResponse содержит очищенный текст.
func (s *Service) ProcessStream(ctx context.Context, req Request, onDelta func(string)) (AIResponse, error) {
	if s.backend == nil {
		return AIResponse{}, ErrNotReady
	}
	return s.process(ctx, req, func(ctx context.Context, gr ollama.GenerateRequest) (ollama.Reply, error) {
		return s.collectStream(ctx, gr, onDelta)
	})
}

func (s *Service) process(ctx context.Context, req Request, generate generateFunc) (AIResponse, error) {
	msg, err := req.Message.Normalize()
	if err != nil {
		return AIResponse{}, err
	}
	conv, err := s.store.Append(msg.ChatID, msg)
	if err != nil {
		return AIResponse{}, err
	}

	if msg.SenderID == s.cfg.SelfID || !conv.AIEnabled {
		_, reason := s.policy.ShouldReply(policy.Input{Message: msg, IsGroup: conv.IsGroup, AIEnabled: conv.AIEnabled})
		resp := AIResponse{
			Questions: []string{},
			Context:   conv.Context,
			Reasoning: string(reason),
		}
		s.metrics.ObserveDecision(false)
		s.record(ctx, msg, resp)
		return resp, nil
	}

	composed := s.composer.Compose(conv, msg, req.Profile, req.Group)
	groupName := conv.GroupName
	if req.Group != nil && strings.TrimSpace(req.Group.Name) != "" {
		groupName = req.Group.Name
	}
	text := s.builder.Build(prompt.SelectTemplate(conv, msg), prompt.Slots{
		Context:        composed.Context,
		RecentMessages: composed.Recent,
		UserMessage:    userText(msg),
		GroupName:      groupName,
	})
	if s.instruction != "" {
		text += "\n\n" + s.instruction
	}

	reply, err := generate(ctx, ollama.GenerateRequest{
		Prompt:      text,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		SessionID:   msg.ChatID,
		Stop:        s.stop,
		Format:      s.cfg.Format,
		KeepAlive:   s.cfg.KeepAlive,
	})
	if err != nil {
		if errors.Is(err, ollama.ErrValidation) {
			return AIResponse{}, err
		}
		return s.fallback(ctx, msg, conv, err), nil
	}

	raw := reply.Text
	var suggested, proposed []string
	if s.contract != "" {
		raw, proposed, suggested = s.applyContract(msg.ChatID, raw)
	}

	decision := s.policy.Decide(policy.Input{
		Message:   msg,
		IsGroup:   conv.IsGroup,
		AIEnabled: conv.AIEnabled,
	}, normalize.Clean(raw))

	questions := policy.ExtractQuestions(decision.Text, s.cfg.EnableQuestions)
	if len(questions) == 0 && s.cfg.EnableQuestions && len(proposed) > 0 {
		questions = proposed
		if len(questions) > policy.MaxQuestions {
			questions = questions[:policy.MaxQuestions]
		}
	}
	if questions == nil {
		questions = []string{}
	}

	nextContext := updateContext(conv.Context, userText(msg), decision.Text, s.cfg.MaxContextChars)
	s.store.SetContext(msg.ChatID, nextContext)

	resp := AIResponse{
		Text:             decision.Text,
		ShouldReply:      decision.ShouldReply,
		Questions:        questions,
		Context:          nextContext,
		Confidence:       decision.Confidence,
		Reasoning:        string(decision.Reason),
		SuggestedActions: suggested,
		Model:            reply.Model,
	}

	s.metrics.ObserveDecision(resp.ShouldReply)
	s.logger.Info("message processed",
		slog.String("chat_id", msg.ChatID),
		slog.Bool("group", conv.IsGroup),
		slog.Bool("should_reply", resp.ShouldReply),
		slog.Float64("confidence", resp.Confidence),
		slog.String("reason", resp.Reasoning),
	)
	s.record(ctx, msg, resp)
	return resp, nil
}

func (s *Service) applyContract(chatID, raw string) (string, []string, []string) {
	res, err := contract.Validate(s.contract, raw)
	if err != nil {
		s.logger.Error("contract validation failed", slog.String("error", err.Error()))
		return raw, nil, nil
	}
	if !res.IsValid {
		s.logger.Warn("model reply violates contract, using raw text",
			slog.String("chat_id", chatID),
			slog.String("contract", s.contract),
			slog.Any("problems", res.Errors),
		)
		return raw, nil, nil
	}
	return res.Parsed.Reply, res.Parsed.Questions, res.Parsed.SuggestedActions
}

func (s *Service) fallback(ctx context.Context, msg conversation.Message, conv conversation.Conversation, cause error) AIResponse {
	kind := "error"
	resp := AIResponse{
		Text:        FallbackErrorText,
		ShouldReply: true,
		Questions:   []string{},
		Context:     conv.Context,
		Confidence:  fallbackErrorConfidence,
		Reasoning:   ReasonFallbackError,
	}
	if ollama.IsTimeout(cause) {
		kind = "timeout"
		resp.Text = FallbackTimeoutText
		resp.Confidence = fallbackTimeoutConfidence
		resp.Reasoning = ReasonFallbackTimeout
	}

	s.logger.Error("backend call failed, sending fallback",
		slog.String("chat_id", msg.ChatID),
		slog.String("kind", kind),
		slog.String("error", cause.Error()),
	)
	reporting.CaptureError(ctx, cause, map[string]string{"chat_id": msg.ChatID, "fallback": kind})
	s.metrics.IncFallback(kind)
	s.metrics.ObserveDecision(true)
	s.record(ctx, msg, resp)
	return resp
}

func (s *Service) collectStream(ctx context.Context, req ollama.GenerateRequest, onDelta func(string)) (ollama.Reply, error) {
	stream, err := s.backend.Stream(ctx, req)
	if err != nil {
		return ollama.Reply{}, err
	}
	defer stream.Close()

	var (
		text strings.Builder
		last ollama.Reply
	)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ollama.Reply{}, err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if onDelta != nil {
				onDelta(chunk.Text)
			}
		}
		last = chunk
	}
	if last.Model == "" {
		last.Model = req.Model
	}
	last.Text = text.String()
	return last, nil
}

func (s *Service) record(ctx context.Context, msg conversation.Message, resp AIResponse) {
	entry := journal.Entry{
		ChatID:      msg.ChatID,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		Inbound:     userText(msg),
		Reply:       resp.Text,
		ShouldReply: resp.ShouldReply,
		Confidence:  resp.Confidence,
		Reasoning:   resp.Reasoning,
		Model:       resp.Model,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("failed to record reply journal",
			slog.String("chat_id", msg.ChatID),
			slog.String("error", err.Error()),
		)
	}
}

// ResetSession забывает токен продолжения модели для чата.
func (s *Service) ResetSession(ctx context.Context, chatID string) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.ResetSession(ctx, chatID)
}

// ClearConversation очищает историю и контекст чата вместе с токеном модели.
func (s *Service) ClearConversation(ctx context.Context, chatID string) (bool, error) {
	if !s.store.ClearContext(chatID) {
		return false, nil
	}
	return true, s.ResetSession(ctx, chatID)
}

// DeleteConversation удаляет чат и его токен модели.
func (s *Service) DeleteConversation(ctx context.Context, chatID string) (bool, error) {
	if !s.store.Delete(chatID) {
		return false, nil
	}
	return true, s.ResetSession(ctx, chatID)
}

// SetAIEnabled включает или выключает автоответы в чате, создавая его при необходимости.
func (s *Service) SetAIEnabled(chatID string, isGroup, enabled bool) (conversation.Conversation, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return conversation.Conversation{}, &conversation.ValidationError{Field: "chat_id", Reason: "is required"}
	}
	s.store.GetOrCreate(chatID, conversation.Defaults{IsGroup: isGroup})
	s.store.SetAIEnabled(chatID, enabled)
	conv, _ := s.store.Get(chatID)
	s.logger.Info("auto reply toggled", slog.String("chat_id", chatID), slog.Bool("enabled", enabled))
	return conv, nil
}

// ForgetSessions сбрасывает токены удалённых очисткой чатов.
func (s *Service) ForgetSessions(ctx context.Context, chatIDs []string) {
	for _, id := range chatIDs {
		if err := s.ResetSession(ctx, id); err != nil {
			s.logger.Warn("failed to reset session",
				slog.String("chat_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// mergeStop объединяет стоп-последовательности шаблона и конфигурации без повторов.
func mergeStop(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func userText(msg conversation.Message) string {
	if msg.Type == conversation.TypeText || msg.Type == "" {
		return msg.Text
	}
	if msg.Text == "" {
		return "[" + string(msg.Type) + "]"
	}
	return "[" + string(msg.Type) + "] " + msg.Text
}

// updateContext дописывает обмен репликами к контексту и оставляет хвост не длиннее limit рун.
func updateContext(prior, user, reply string, limit int) string {
	exchange := "User: " + strings.Join(strings.Fields(user), " ") +
		"\nAssistant: " + strings.Join(strings.Fields(reply), " ")

	next := exchange
	if prior = strings.TrimSpace(prior); prior != "" {
		next = prior + "\n" + exchange
	}

	runes := []rune(next)
	if len(runes) <= limit {
		return next
	}
	tail := string(runes[len(runes)-limit:])
	if idx := strings.Index(tail, "\n"); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}
