package sessionctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// FileStore держит токены в памяти и синхронизирует их с JSON-файлом на диске,
// чтобы продолжение диалогов переживало перезапуск сервиса.
// Формат файла: JSON-объект map[sessionID][]int.
type FileStore struct {
	mu     sync.Mutex
	tokens map[string][]int
	path   string
}

// NewFileStore создаёт FileStore и загружает данные из указанного файла.
// Повреждённый файл логируется, хранилище стартует пустым.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("filestore path is empty")
	}

	fs := &FileStore{
		tokens: make(map[string][]int),
		path:   path,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *FileStore) Get(ctx context.Context, sessionID string) ([]int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.tokens[sessionID]
	if !ok {
		return nil, false, nil
	}
	return cloneTokens(tokens), true, nil
}

// Set сохраняет токен и атомарно записывает состояние на диск.
func (s *FileStore) Set(ctx context.Context, sessionID string, tokens []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[sessionID] = cloneTokens(tokens)
	return s.persistLocked()
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[sessionID]; !ok {
		return nil
	}
	delete(s.tokens, sessionID)
	return s.persistLocked()
}

func (s *FileStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *FileStore) load() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		log.Printf("sessionctx: read file %s: %v", s.path, err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var raw map[string][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("sessionctx: unmarshal %s: %v", s.path, err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tokens := range raw {
		if id == "" {
			continue
		}
		s.tokens[id] = tokens
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := json.Marshal(s.tokens)
	if err != nil {
		return fmt.Errorf("marshal session tokens: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	if err := os.Chmod(tmpName, 0o600); err != nil && !errors.Is(err, os.ErrPermission) {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
