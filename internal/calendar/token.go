package calendar

import (
	"sync"
	"time"

	"remindcal/internal/model"
)

// Token is an OAuth credential set for one user.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenStore is where adapters keep credentials. The in-memory store is the
// only implementation for now; a durable store can be plugged in here
// without touching the adapters or the watcher.
type TokenStore interface {
	Load(user model.UserID) (Token, bool, error)
	Save(user model.UserID, tok Token) error
}

// MemoryTokenStore keeps tokens for the lifetime of the process.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[model.UserID]Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[model.UserID]Token)}
}

func (m *MemoryTokenStore) Load(user model.UserID) (Token, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[user]
	return tok, ok, nil
}

func (m *MemoryTokenStore) Save(user model.UserID, tok Token) error {
	m.mu.Lock()
	m.tokens[user] = tok
	m.mu.Unlock()
	return nil
}
