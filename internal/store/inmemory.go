package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string][]Message
	attachments   map[string]Attachment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		attachments:   make(map[string]Attachment),
	}
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, conversationNotFound("get conversation", id)
	}
	return c, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, filter ConversationFilter) ([]Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	matched := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if filter.CreatedBy != "" && c.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Archived != nil && c.Archived != *filter.Archived {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(c.Title), query) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Conversation{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.MessageCount = 0
	s.conversations[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) UpdateConversation(_ context.Context, id string, update ConversationUpdate) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, conversationNotFound("update conversation", id)
	}
	if update.Title != nil {
		c.Title = *update.Title
	}
	if update.Archived != nil {
		c.Archived = *update.Archived
	}
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return c, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return conversationNotFound("delete conversation", id)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversationNotFound("list messages", conversationID)
	}
	arr := s.messages[conversationID]
	out := make([]Message, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) InsertMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return Message{}, conversationNotFound("insert message", m.ConversationID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ContentType == "" {
		m.ContentType = ContentTypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	c.MessageCount++
	c.UpdatedAt = m.CreatedAt
	m.Number = c.MessageCount
	s.conversations[c.ID] = c
	s.messages[c.ID] = append(s.messages[c.ID], m)
	return m, nil
}

func (s *InMemoryStore) GetAttachments(_ context.Context, ids []string) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attachment, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.attachments[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) InsertAttachment(_ context.Context, a Attachment) (Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.attachments[a.ID] = a
	return a, nil
}

func (s *InMemoryStore) DeleteAttachment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, id)
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
