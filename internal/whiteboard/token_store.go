package whiteboard

import (
	"context"
	"sync"
	"time"
)

// TokenRecord is one account's OAuth2 credential set. The manager treats the
// access token as valid while Expiry is further out than its buffer window.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenStore is durable storage behind the TokenManager's in-memory cache.
// Load returns (nil, nil) when the account is unknown.
type TokenStore interface {
	Load(ctx context.Context, accountID string) (*TokenRecord, error)
	Save(ctx context.Context, accountID string, record TokenRecord) error
}

type MemoryTokenStore struct {
	mu      sync.Mutex
	records map[string]TokenRecord
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{records: map[string]TokenRecord{}}
}

func (s *MemoryTokenStore) Load(_ context.Context, accountID string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[accountID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, accountID string, record TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[accountID] = record
	return nil
}
