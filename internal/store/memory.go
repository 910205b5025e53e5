package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	secret  *string
	byToken map[string]*UserRecord
	byUser  map[string]*UserRecord
	closed  bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken: make(map[string]*UserRecord),
		byUser:  make(map[string]*UserRecord),
	}
}

func (m *MemoryStore) EnsureSharedSecret(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == nil {
		v := value
		m.secret = &v
	}
	return nil
}

func (m *MemoryStore) SharedSecret(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == nil {
		return "", ErrNotFound
	}
	return *m.secret, nil
}

func (m *MemoryStore) ResolveToken(_ context.Context, token string) (UserRecord, bool, error) {
	if token == "" {
		return UserRecord{}, false, fmt.Errorf("resolve token: empty token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.byToken[token]; ok {
		return UserRecord{Token: rec.Token, UserID: rec.UserID, Conversation: cloneTurns(rec.Conversation)}, false, nil
	}
	rec := &UserRecord{Token: token, UserID: uuid.NewString(), Conversation: []Turn{}}
	m.byToken[token] = rec
	m.byUser[rec.UserID] = rec
	return UserRecord{Token: rec.Token, UserID: rec.UserID, Conversation: []Turn{}}, true, nil
}

func (m *MemoryStore) Conversation(_ context.Context, userID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byUser[userID]
	if !ok {
		return []Turn{}, nil
	}
	return cloneTurns(rec.Conversation), nil
}

func (m *MemoryStore) SaveConversation(_ context.Context, userID string, turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	rec.Conversation = cloneTurns(turns)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
