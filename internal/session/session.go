// Package session holds chat sessions and their message transcripts. The
// turn pipeline reads session flags and recent messages here; durable
// persistence beyond process lifetime is out of scope.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Roles recorded on messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one conversation and its retrieval settings.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	DocumentIDs    []string  `json:"document_ids,omitempty"`
	LongTermMemory bool      `json:"long_term_memory"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is one finalized turn half.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is the persistence surface the turn pipeline depends on.
type Store interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, sessionID, messageID string) (Message, error)
	// RecentMessages returns up to limit messages for the session, oldest
	// first, excluding any IDs in exclude.
	RecentMessages(ctx context.Context, sessionID string, limit int, exclude ...string) ([]Message, error)
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[m.SessionID]; !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrSessionNotFound, m.SessionID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, sessionID, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[sessionID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

func (s *MemoryStore) RecentMessages(_ context.Context, sessionID string, limit int, exclude ...string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	all := s.messages[sessionID]
	out := make([]Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if _, excluded := skip[all[i].ID]; excluded {
			continue
		}
		out = append(out, all[i])
	}
	// Collected newest first, callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
