package repository

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/utils"
)

// MemoryAuthStore is the in-process UserStore and TokenStore used with
// STORE_DRIVER=memory and in handler tests.
type MemoryAuthStore struct {
	mu      sync.Mutex
	nextID  uint64
	users   map[uint64]model.User
	byEmail map[string]uint64
	tokens  map[string]model.RefreshToken
}

func NewMemoryAuthStore() *MemoryAuthStore {
	return &MemoryAuthStore{
		users:   make(map[uint64]model.User),
		byEmail: make(map[string]uint64),
		tokens:  make(map[string]model.RefreshToken),
	}
}

func (s *MemoryAuthStore) Create(ctx context.Context, email, password, role string, cost int) (uint64, error) {
	email = normalizeEmail(email)
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return 0, ErrEmailExists
	}
	s.nextID++
	now := time.Now().UTC()
	s.users[s.nextID] = model.User{
		ID: s.nextID, Email: email, PasswordHash: hash, Role: role,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	s.byEmail[email] = s.nextID
	return s.nextID, nil
}

func (s *MemoryAuthStore) GetByEmail(ctx context.Context, email string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryAuthStore) GetByID(ctx context.Context, id uint64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryAuthStore) StoreRefresh(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenHash]; ok {
		return ErrConflict
	}
	s.tokens[tokenHash] = model.RefreshToken{UserID: userID, TokenHash: tokenHash, ExpiresAt: exp.UTC(), CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryAuthStore) ValidateRefresh(ctx context.Context, tokenHash string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok || !t.Usable(time.Now().UTC()) {
		return 0, ErrNotFound
	}
	return t.UserID, nil
}

func (s *MemoryAuthStore) RevokeByHash(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenHash]; ok && t.RevokedAt == nil {
		now := time.Now().UTC()
		t.RevokedAt = &now
		s.tokens[tokenHash] = t
	}
	return nil
}

func (s *MemoryAuthStore) RevokeAllForUser(ctx context.Context, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for h, t := range s.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			s.tokens[h] = t
		}
	}
	return nil
}
