package ollama

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const maxStreamLine = 1 << 20

// Stream конечная последовательность частичных ответов из NDJSON-тела, повторно не запускается.
// Next нельзя вызывать конкурентно. Close можно вызвать из любой горутины, он освобождает соединение.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	logger  *slog.Logger
	onDone  func(Reply)

	finished  bool
	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser, model string, logger *slog.Logger, onDone func(Reply)) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLine)
	return &Stream{
		body:    body,
		scanner: scanner,
		model:   model,
		logger:  logger,
		onDone:  onDone,
	}
}

// Next возвращает следующий фрагмент. После фрагмента с done возвращает io.EOF.
// Строки, не являющиеся JSON-объектами, пропускаются.
func (s *Stream) Next() (Reply, error) {
	if s.finished {
		return Reply{}, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, ok := decodeReply(line, s.model, false)
		if !ok {
			s.logger.Debug("skipping unparseable stream line", slog.Int("bytes", len(line)))
			continue
		}
		if chunk.Done {
			s.finished = true
			if s.onDone != nil {
				s.onDone(chunk)
			}
			_ = s.Close()
		}
		return chunk, nil
	}

	s.finished = true
	_ = s.Close()
	if err := s.scanner.Err(); err != nil {
		return Reply{}, fmt.Errorf("read stream: %w", err)
	}
	return Reply{}, io.EOF
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
