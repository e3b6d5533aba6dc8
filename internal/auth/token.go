package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/goodtune/presenced/internal/securestore"
)

// TokenKey is the encrypted-store key holding the collector bearer token.
const TokenKey = "auth-token"

// ErrNotAuthenticated is returned when no usable token is available or
// the collector rejected the one we sent.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSource yields the current collector token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StoreTokenSource reads the token from the encrypted store.
type StoreTokenSource struct {
	store *securestore.Store
}

// NewStoreTokenSource creates a token source backed by store.
func NewStoreTokenSource(store *securestore.Store) *StoreTokenSource {
	return &StoreTokenSource{store: store}
}

// Token returns the stored token or ErrNotAuthenticated.
func (s *StoreTokenSource) Token(ctx context.Context) (string, error) {
	token := securestore.Get(ctx, s.store, TokenKey, "")
	if strings.TrimSpace(token) == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

// SetToken stores a pre-issued token.
func (s *StoreTokenSource) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is empty")
	}
	return s.store.Set(ctx, TokenKey, token)
}

// Clear removes the stored token.
func (s *StoreTokenSource) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, TokenKey)
}

// StaticTokenSource always returns the same token. An empty token means
// not authenticated.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNotAuthenticated
	}
	return string(s), nil
}
