package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"satukasir/backend/internal/domain"
)

type stubUserStore struct {
	users   map[string]domain.UserAccount
	updates []string
}

func newStubUserStore(users ...domain.UserAccount) *stubUserStore {
	s := &stubUserStore{users: make(map[string]domain.UserAccount)}
	for _, u := range users {
		s.users[strings.ToLower(u.Username)] = u
	}
	return s
}

func (s *stubUserStore) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.users[strings.ToLower(user.Username)] = user
	return nil
}

func (s *stubUserStore) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *stubUserStore) UpdateUserPassword(_ context.Context, username string, password string) error {
	u := s.users[username]
	u.Password = password
	s.users[username] = u
	s.updates = append(s.updates, username)
	return nil
}

func TestLoginUpgradesPlainTextPassword(t *testing.T) {
	users := newStubUserStore(domain.UserAccount{
		ID: "usr-1", Username: "Admin", Password: "plain-secret", Role: "admin", Active: true,
	})
	auth := NewAuthManager("unit-test-secret-key-0123456789abcdef", time.Hour, users)

	resp, err := auth.Login(domain.LoginRequest{Username: "ADMIN", Password: "plain-secret"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != "admin" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	if len(users.updates) == 0 {
		t.Fatalf("expected the plain-text password to be rehashed in the store")
	}
	if stored := users.users["admin"].Password; !isPasswordHash(stored) {
		t.Fatalf("expected bcrypt hash in store, got %q", stored)
	}

	// The rehashed credential still verifies.
	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "plain-secret"}); err != nil {
		t.Fatalf("login after rehash failed: %v", err)
	}
}

func TestLoginInactiveAccountRejected(t *testing.T) {
	users := newStubUserStore(domain.UserAccount{
		ID: "usr-2", Username: "ghost", Password: "whatever", Role: "cashier", Active: false,
	})
	auth := NewAuthManager("unit-test-secret-key-0123456789abcdef", time.Hour, users)

	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "whatever"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	users := newStubUserStore(domain.UserAccount{
		ID: "usr-3", Username: "kasir", Password: "rahasia-kasir", Role: "cashier", Active: true,
	})
	auth := NewAuthManager("unit-test-secret-key-0123456789abcdef", time.Hour, users)

	resp, err := auth.Login(domain.LoginRequest{Username: "kasir", Password: "rahasia-kasir"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "kasir" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor: %+v", actor)
	}

	// A token signed with a different secret is rejected.
	other := NewAuthManager("a-completely-different-secret-value!", time.Hour, users)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token from another secret to fail")
	}
}

func TestParseTokenExpired(t *testing.T) {
	users := newStubUserStore(domain.UserAccount{
		ID: "usr-4", Username: "lama", Password: "sudah-lama", Role: "cashier", Active: true,
	})
	auth := NewAuthManager("unit-test-secret-key-0123456789abcdef", time.Hour, users)

	token, err := auth.sign("lama", "cashier", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
