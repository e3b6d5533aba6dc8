package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goodtune/presenced/internal/securestore"
	"github.com/goodtune/presenced/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTokenSource(t *testing.T) *StoreTokenSource {
	t.Helper()

	backend, err := bolt.Open(filepath.Join(t.TempDir(), "presenced.bolt"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	store, err := securestore.New(backend, securestore.Config{Secret: []byte("secret")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewStoreTokenSource(store)
}

func TestStoreTokenSourceLifecycle(t *testing.T) {
	src := newTokenSource(t)
	ctx := context.Background()

	if _, err := src.Token(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated before set, got %v", err)
	}

	if err := src.SetToken(ctx, "  abc.def.ghi\n"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	token, err := src.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "abc.def.ghi" {
		t.Fatalf("expected trimmed token, got %q", token)
	}

	if err := src.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := src.Token(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated after clear, got %v", err)
	}
}

func TestSetTokenRejectsEmpty(t *testing.T) {
	if err := newTokenSource(t).SetToken(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank token")
	}
}

func TestStaticTokenSource(t *testing.T) {
	if _, err := StaticTokenSource("").Token(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if tok, err := StaticTokenSource("t").Token(context.Background()); err != nil || tok != "t" {
		t.Fatalf("unexpected token %q err %v", tok, err)
	}
}
