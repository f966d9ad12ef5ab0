package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"troupe/internal/domain"
	"troupe/internal/infra/config"
)

// storeFactories runs every contract test against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) (Store, func(time.Time)) {
	t.Helper()
	return map[string]func(t *testing.T) (Store, func(time.Time)){
		"memory": func(t *testing.T) (Store, func(time.Time)) {
			s := NewMemoryTokenStore()
			return s, func(now time.Time) { s.now = func() time.Time { return now } }
		},
		"sqlite": func(t *testing.T) (Store, func(time.Time)) {
			s, err := NewSQLiteTokenStore(filepath.Join(t.TempDir(), "data", "tokens.db"))
			if err != nil {
				t.Fatalf("NewSQLiteTokenStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s, func(now time.Time) { s.now = func() time.Time { return now } }
		},
	}
}

func TestTokenStore_PutGetDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			if _, ok, err := s.Get(ctx, "s1", domain.TokenKeyDispatcher); err != nil || ok {
				t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
			}

			if err := s.Put(ctx, "s1", domain.TokenKeyDispatcher, "conv-1"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "s1", domain.TokenKeyDispatcher, "conv-2"); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			got, ok, err := s.Get(ctx, "s1", domain.TokenKeyDispatcher)
			if err != nil || !ok || got != "conv-2" {
				t.Fatalf("Get = %q, %v, %v; want conv-2", got, ok, err)
			}

			if _, ok, _ := s.Get(ctx, "s2", domain.TokenKeyDispatcher); ok {
				t.Error("token leaked across sessions")
			}

			if err := s.Delete(ctx, "s1", domain.TokenKeyDispatcher); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := s.Get(ctx, "s1", domain.TokenKeyDispatcher); ok {
				t.Error("token still present after Delete")
			}
			if err := s.Delete(ctx, "s1", "missing"); err != nil {
				t.Errorf("Delete of missing key: %v", err)
			}
		})
	}
}

func TestTokenStore_EmptyTokenRemoves(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			if err := s.Put(ctx, "s1", "det", "conv-1"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "s1", "det", ""); err != nil {
				t.Fatalf("Put empty: %v", err)
			}
			if _, ok, _ := s.Get(ctx, "s1", "det"); ok {
				t.Error("empty token should not be stored")
			}
		})
	}
}

func TestTokenStore_DeleteSession(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			for _, key := range []string{domain.TokenKeyDispatcher, domain.TokenKeyCharacterDispatcher, "det"} {
				if err := s.Put(ctx, "s1", key, "t-"+key); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}
			if err := s.Put(ctx, "s2", "det", "other"); err != nil {
				t.Fatalf("Put: %v", err)
			}

			if err := s.DeleteSession(ctx, "s1"); err != nil {
				t.Fatalf("DeleteSession: %v", err)
			}
			for _, key := range []string{domain.TokenKeyDispatcher, domain.TokenKeyCharacterDispatcher, "det"} {
				if _, ok, _ := s.Get(ctx, "s1", key); ok {
					t.Errorf("key %s survived DeleteSession", key)
				}
			}
			if got, ok, _ := s.Get(ctx, "s2", "det"); !ok || got != "other" {
				t.Errorf("other session affected: %q, %v", got, ok)
			}
		})
	}
}

func TestTokenStore_PruneBefore(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, setNow := factory(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			setNow(base)
			if err := s.Put(ctx, "old", "det", "t1"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			setNow(base.Add(90 * time.Minute))
			if err := s.Put(ctx, "new", "det", "t2"); err != nil {
				t.Fatalf("Put: %v", err)
			}

			n, err := s.PruneBefore(ctx, base.Add(time.Hour))
			if err != nil {
				t.Fatalf("PruneBefore: %v", err)
			}
			if n != 1 {
				t.Errorf("pruned = %d, want 1", n)
			}
			if _, ok, _ := s.Get(ctx, "old", "det"); ok {
				t.Error("old token survived prune")
			}
			if _, ok, _ := s.Get(ctx, "new", "det"); !ok {
				t.Error("new token was pruned")
			}
		})
	}
}

func TestSQLiteTokenStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	s, err := NewSQLiteTokenStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "s1", "det", "conv-1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s, err = NewSQLiteTokenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, ok, err := s.Get(ctx, "s1", "det"); err != nil || !ok || got != "conv-1" {
		t.Errorf("Get after reopen = %q, %v, %v", got, ok, err)
	}
}

func TestNew(t *testing.T) {
	s, err := New(config.StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*MemoryTokenStore); !ok {
		t.Errorf("memory store type = %T", s)
	}

	s, err = New(config.StoreConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	s.Close()

	if _, err := New(config.StoreConfig{Type: "redis"}); err == nil {
		t.Error("unknown store type should fail")
	}
}
