package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/MegaGrindStone/ganapathi/internal/session"
)

type failingStore struct {
	getErr error
	setErr error
	sets   int
}

func (f *failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, f.getErr
}

func (f *failingStore) Set(context.Context, string, string) error {
	f.sets++
	return f.setErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counterGen() session.Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestGetOrCreateIsStable(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	gen := counterGen()

	first := session.GetOrCreate(ctx, store, gen, discardLogger())
	second := session.GetOrCreate(ctx, store, gen, discardLogger())

	if first != "id-1" {
		t.Errorf("first id = %q, want %q", first, "id-1")
	}
	if first != second {
		t.Errorf("second id = %q, want %q", second, first)
	}

	stored, found, _ := store.Get(ctx, session.Key)
	if !found || stored != first {
		t.Errorf("stored = %q (found %v), want %q", stored, found, first)
	}
}

func TestGetOrCreateReusesExistingValue(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	if err := store.Set(ctx, session.Key, "existing"); err != nil {
		t.Fatal(err)
	}

	got := session.GetOrCreate(ctx, store, counterGen(), discardLogger())
	if got != "existing" {
		t.Errorf("GetOrCreate() = %q, want %q", got, "existing")
	}
}

func TestGetOrCreateDegradesWhenStoreFails(t *testing.T) {
	tests := []struct {
		name  string
		store *failingStore
	}{
		{name: "Read failure", store: &failingStore{getErr: errors.New("boom")}},
		{name: "Write failure", store: &failingStore{setErr: errors.New("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := counterGen()
			first := session.GetOrCreate(context.Background(), tt.store, gen, discardLogger())
			second := session.GetOrCreate(context.Background(), tt.store, gen, discardLogger())

			if first == "" || second == "" {
				t.Fatal("GetOrCreate() returned an empty id")
			}
			if first == second {
				t.Errorf("expected a fresh id per call, got %q twice", first)
			}
		})
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := session.NewID()
		if id == "" {
			t.Fatal("NewID() returned an empty id")
		}
		if seen[id] {
			t.Fatalf("NewID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestProviderSessionID(t *testing.T) {
	p := session.NewProvider(session.NewMemoryStore(), counterGen(), discardLogger())

	if got, want := p.SessionID(context.Background()), "id-1"; got != want {
		t.Errorf("SessionID() = %q, want %q", got, want)
	}
	if got, want := p.SessionID(context.Background()), "id-1"; got != want {
		t.Errorf("SessionID() = %q, want %q", got, want)
	}
}
