package conversation

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxContextLength сколько сообщений хранится в истории одного чата.
const DefaultMaxContextLength = 50

// Defaults параметры, с которыми создаётся новый диалог.
type Defaults struct {
	IsGroup   bool
	GroupName string
}

type entry struct {
	conv Conversation
	seen map[string]struct{}
}

// Store потокобезопасное in-memory хранилище диалогов.
// Все изменения сериализуются одной блокировкой; наружу отдаются только копии.
type Store struct {
	mu               sync.Mutex
	chats            map[string]*entry
	maxContextLength int
	now              func() time.Time
}

// NewStore создаёт хранилище. maxContextLength <= 0 означает значение по умолчанию,
// now == nil означает time.Now.
func NewStore(maxContextLength int, now func() time.Time) *Store {
	if maxContextLength <= 0 {
		maxContextLength = DefaultMaxContextLength
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		chats:            make(map[string]*entry),
		maxContextLength: maxContextLength,
		now:              now,
	}
}

// MaxContextLength возвращает лимит истории.
func (s *Store) MaxContextLength() int {
	return s.maxContextLength
}

// GetOrCreate возвращает диалог, создавая его при первом обращении.
// Если диалог уже есть, defaults игнорируются.
func (s *Store) GetOrCreate(chatID string, defaults Defaults) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getOrCreateLocked(chatID, defaults).conv.clone()
}

// Append добавляет сообщение в историю чата: создаёт диалог при необходимости,
// обрезает историю до лимита (старые сообщения уходят первыми), накапливает участников
// и обновляет LastUpdated.
func (s *Store) Append(chatID string, msg Message) (Conversation, error) {
	if chatID == "" {
		return Conversation{}, &ValidationError{Field: "chat_id", Reason: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(chatID, Defaults{IsGroup: msg.IsGroup, GroupName: msg.GroupName})
	if msg.IsGroup {
		e.conv.IsGroup = true
	}
	if msg.GroupName != "" {
		e.conv.GroupName = msg.GroupName
	}

	e.conv.Messages = append(e.conv.Messages, msg.clone())
	if overflow := len(e.conv.Messages) - s.maxContextLength; overflow > 0 {
		kept := make([]Message, s.maxContextLength)
		copy(kept, e.conv.Messages[overflow:])
		e.conv.Messages = kept
	}

	if msg.SenderID != "" {
		if _, ok := e.seen[msg.SenderID]; !ok {
			e.seen[msg.SenderID] = struct{}{}
			e.conv.Participants = append(e.conv.Participants, msg.SenderID)
		}
	}
	e.conv.LastUpdated = s.now().UTC()

	return e.conv.clone(), nil
}

// Get возвращает копию диалога.
func (s *Store) Get(chatID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.chats[chatID]
	if !ok {
		return Conversation{}, false
	}
	return e.conv.clone(), true
}

// Delete удаляет диалог. Возвращает false, если его не было.
func (s *Store) Delete(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return false
	}
	delete(s.chats, chatID)
	return true
}

// List возвращает снимок всех диалогов, отсортированный по chat id.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.chats))
	for _, e := range s.chats {
		out = append(out, e.conv.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Len число диалогов в хранилище.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// SetContext перезаписывает контекст диалога после генерации ответа.
func (s *Store) SetContext(chatID, context string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.chats[chatID]
	if !ok {
		return false
	}
	e.conv.Context = context
	e.conv.LastUpdated = s.now().UTC()
	return true
}

// ClearContext очищает контекст и историю сообщений, сам диалог остаётся.
func (s *Store) ClearContext(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.chats[chatID]
	if !ok {
		return false
	}
	e.conv.Context = ""
	e.conv.Messages = []Message{}
	e.conv.LastUpdated = s.now().UTC()
	return true
}

// SetAIEnabled включает или выключает автоответы в чате.
func (s *Store) SetAIEnabled(chatID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.chats[chatID]
	if !ok {
		return false
	}
	e.conv.AIEnabled = enabled
	e.conv.LastUpdated = s.now().UTC()
	return true
}

// Evict удаляет диалоги, неактивные дольше idle, и пустые диалоги, не менявшиеся
// дольше emptyGrace. Пустой диалог с выключенными автоответами хранит настройку
// владельца и за пустоту не удаляется. Возвращает идентификаторы удалённых чатов.
func (s *Store) Evict(now time.Time, idle, emptyGrace time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, e := range s.chats {
		stale := idle > 0 && now.Sub(e.conv.LastUpdated) > idle
		empty := len(e.conv.Messages) == 0 && e.conv.AIEnabled && now.Sub(e.conv.LastUpdated) > emptyGrace
		if stale || empty {
			delete(s.chats, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

func (s *Store) getOrCreateLocked(chatID string, defaults Defaults) *entry {
	if e, ok := s.chats[chatID]; ok {
		return e
	}
	now := s.now().UTC()
	e := &entry{
		conv: Conversation{
			ChatID:       chatID,
			Messages:     []Message{},
			CreatedAt:    now,
			LastUpdated:  now,
			IsGroup:      defaults.IsGroup,
			GroupName:    defaults.GroupName,
			Participants: []string{},
			AIEnabled:    true,
		},
		seen: make(map[string]struct{}),
	}
	s.chats[chatID] = e
	return e
}
