package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local store with the same semantics as
// PostgresStore. Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	seq       int64
	users     map[string]User
	decisions []Decision
	revoked   map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		users:   make(map[string]User),
		revoked: make(map[string]time.Time),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return User{}, ErrEmailTaken
		}
	}
	user.CreatedAt = s.now()
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, id)
		}
	}
	if now.Before(expiresAt) {
		s.revoked[jti] = expiresAt
	}
	return nil
}

func (s *MemoryStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiresAt, ok := s.revoked[jti]
	return ok && s.now().Before(expiresAt), nil
}

func (s *MemoryStore) InsertDecision(_ context.Context, decision Decision) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	decision.Seq = s.seq
	decision.CreatedAt = s.now()
	decision.Pros = append([]string(nil), decision.Pros...)
	decision.Cons = append([]string(nil), decision.Cons...)
	s.decisions = append(s.decisions, decision)
	return decision, nil
}

// ListRecentDecisions walks the append log backwards, so the newest record of
// the owner comes first.
func (s *MemoryStore) ListRecentDecisions(_ context.Context, ownerID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = RecentDecisionLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Decision, 0, limit)
	for i := len(s.decisions) - 1; i >= 0 && len(items) < limit; i-- {
		decision := s.decisions[i]
		if decision.OwnerID != ownerID {
			continue
		}
		decision.Pros = append([]string(nil), decision.Pros...)
		decision.Cons = append([]string(nil), decision.Cons...)
		items = append(items, decision)
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
