package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"zerv/internal/security/password"
)

// MemoryUserStore is a dev-only fallback UserStore when no database is
// configured, grounded on cmd/internal/realtime/store_memory.go's
// map+mutex-guarded in-memory persistence idiom.
type MemoryUserStore struct {
	pw password.Config

	mu    sync.Mutex
	byID  map[string]memUser
	byKey map[string]string // lower(username) -> id
}

type memUser struct {
	user User
	hash string
}

// NewMemoryUserStore constructs an empty MemoryUserStore.
func NewMemoryUserStore(pw password.Config) *MemoryUserStore {
	return &MemoryUserStore{
		pw:    pw,
		byID:  make(map[string]memUser),
		byKey: make(map[string]string),
	}
}

// FindByCredentials mirrors PostgresUserStore.FindByCredentials's contract.
func (s *MemoryUserStore) FindByCredentials(_ context.Context, in Credentials) (User, error) {
	const op = "store.MemoryUserStore.FindByCredentials"

	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" || in.Password == "" {
		return User{}, invalid(op, "missing username or password")
	}

	s.mu.Lock()
	id, ok := s.byKey[username]
	var mu memUser
	if ok {
		mu = s.byID[id]
	}
	s.mu.Unlock()
	if !ok {
		return User{}, ErrNotFound
	}

	verified, err := s.pw.Verify(mu.hash, in.Password)
	if err != nil {
		return User{}, err
	}
	if !verified {
		return User{}, ErrNotFound
	}
	return mu.user, nil
}

// Register mirrors PostgresUserStore.Register's contract.
func (s *MemoryUserStore) Register(_ context.Context, in Registration) (User, error) {
	const op = "store.MemoryUserStore.Register"

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, invalid(op, "missing username")
	}
	if err := s.pw.Validate(in.Password); err != nil {
		return User{}, invalid(op, err.Error())
	}

	key := strings.ToLower(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; exists {
		return User{}, ConflictError{Op: op, Field: "username"}
	}

	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:        ulid.Make().String(),
		Username:  username,
		Email:     strings.TrimSpace(in.Email),
		TenantID:  in.TenantID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		CreatedAt: time.Now().UTC(),
	}
	s.byID[user.ID] = memUser{user: user, hash: hash}
	s.byKey[key] = user.ID
	return user, nil
}

var _ UserStore = (*MemoryUserStore)(nil)
