package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"waassist/internal/assistant"
	"waassist/internal/conversation"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Доступ уже проверен по API-ключу, CORS для websocket не применяется.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	frameDelta  = "delta"
	frameResult = "result"
	frameError  = "error"
)

type streamFrame struct {
	Type         string                     `json:"type"`
	Text         string                     `json:"text,omitempty"`
	AIResponse   *assistant.AIResponse      `json:"ai_response,omitempty"`
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
	Error        *streamError               `json:"error,omitempty"`
}

type streamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// frameWriter сериализует запись кадров и ping: у websocket.Conn может быть
// только один писатель.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) frame(frame streamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFrame(w.conn, frame)
}

func (w *frameWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// Stream обрабатывает запросы в websocket-соединении: на каждый запрос клиента
// приходят кадры delta с фрагментами ответа модели и один итоговый кадр result.
// Пока соединение открыто, сервер шлёт ping раз в 9/10 pongWait.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	out := &frameWriter{conn: conn}
	done := make(chan struct{})
	var pinger sync.WaitGroup
	pinger.Add(1)
	go func() {
		defer pinger.Done()
		h.pingLoop(out, done)
	}()
	defer func() {
		close(done)
		_ = conn.Close()
		pinger.Wait()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	ctx := r.Context()
	for {
		// Генерация может идти дольше pongWait, поэтому срок чтения отсчитывается
		// заново перед каждым запросом.
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		var body processRequest
		if err := conn.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		req, err := body.toRequest()
		if err == nil {
			err = h.streamOne(ctx, out, req)
		}
		if err != nil {
			var writeErr *frameWriteError
			if errors.As(err, &writeErr) {
				h.logger.Warn("websocket write failed", slog.String("error", writeErr.Error()))
				return
			}
			_, code := classify(err)
			if werr := out.frame(streamFrame{Type: frameError, Error: &streamError{Code: code, Message: err.Error()}}); werr != nil {
				return
			}
		}
	}
}

func (h *Handler) pingLoop(out *frameWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				return
			}
		}
	}
}

type frameWriteError struct{ err error }

func (e *frameWriteError) Error() string { return e.err.Error() }
func (e *frameWriteError) Unwrap() error { return e.err }

func (h *Handler) streamOne(ctx context.Context, out *frameWriter, req assistant.Request) error {
	var writeErr error
	resp, err := h.service.ProcessStream(ctx, req, func(delta string) {
		if writeErr != nil {
			return
		}
		writeErr = out.frame(streamFrame{Type: frameDelta, Text: delta})
	})
	if writeErr != nil {
		return &frameWriteError{err: writeErr}
	}
	if err != nil {
		return err
	}

	frame := streamFrame{Type: frameResult, AIResponse: &resp}
	if conv, ok := h.store.Get(req.Message.ChatID); ok {
		frame.Conversation = &conv
	}
	if err := out.frame(frame); err != nil {
		return &frameWriteError{err: err}
	}
	return nil
}

func writeFrame(conn *websocket.Conn, frame streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
