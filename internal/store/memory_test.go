package store

import (
	"context"
	"errors"
	"testing"

	"zerv/internal/security/password"
)

func TestMemoryUserStoreRegisterThenFindByCredentials(t *testing.T) {
	t.Parallel()
	s := NewMemoryUserStore(password.DefaultConfig())
	ctx := context.Background()

	user, err := s.Register(ctx, Registration{Username: "alice", Password: "correct horse battery staple", TenantID: "t1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	found, err := s.FindByCredentials(ctx, Credentials{Username: "alice", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("FindByCredentials: %v", err)
	}
	if found.ID != user.ID || found.TenantID != "t1" {
		t.Fatalf("found=%+v want id=%s tenant=t1", found, user.ID)
	}
}

func TestMemoryUserStoreFindByCredentialsRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	s := NewMemoryUserStore(password.DefaultConfig())
	ctx := context.Background()

	if _, err := s.Register(ctx, Registration{Username: "bob", Password: "correct horse battery staple"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := s.FindByCredentials(ctx, Credentials{Username: "bob", Password: "wrong"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestMemoryUserStoreRegisterDuplicateUsernameConflicts(t *testing.T) {
	t.Parallel()
	s := NewMemoryUserStore(password.DefaultConfig())
	ctx := context.Background()

	if _, err := s.Register(ctx, Registration{Username: "carol", Password: "correct horse battery staple"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := s.Register(ctx, Registration{Username: "Carol", Password: "another password entirely"})
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err=%v want ConflictError", err)
	}
}
