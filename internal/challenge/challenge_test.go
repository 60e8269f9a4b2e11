package challenge_test

import (
	"context"
	"errors"
	"testing"

	"stepline/internal/challenge"
	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/kv"
	"stepline/internal/migrate"
	"stepline/internal/repo"
)

func newStore(t *testing.T) kv.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return kv.New(repo.Repo{DB: conn})
}

func ids(items []domain.Challenge) []int {
	out := make([]int, 0, len(items))
	for _, c := range items {
		out = append(out, c.ID)
	}
	return out
}

func TestEvaluateIsMonotoneAndIdempotent(t *testing.T) {
	ctx := context.Background()
	e := challenge.New(newStore(t), nil)

	newly, err := e.Evaluate(ctx, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(newly); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
	newly, err = e.Evaluate(ctx, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if newly == nil || len(newly) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", newly)
	}
	newly, err = e.Evaluate(ctx, 7500)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(newly); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected [2], got %v", got)
	}
	// a lower count never reopens anything
	if newly, _ = e.Evaluate(ctx, 0); len(newly) != 0 {
		t.Fatalf("expected nothing, got %v", ids(newly))
	}
	catalog, err := e.Catalog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range catalog {
		if want := c.ID <= 2; c.Completed != want {
			t.Fatalf("challenge %d completed=%v", c.ID, c.Completed)
		}
	}
}

func TestEvaluateCompletesSeveralInOrder(t *testing.T) {
	e := challenge.New(newStore(t), nil)
	newly, err := e.Evaluate(context.Background(), 16000)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(newly); len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("expected [1 2 3 4], got %v", got)
	}
}

func TestCatalogSeedsFromLegacyCompletedIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	if err := store.Set(ctx, domain.KeyCompletedChallenges, "[1,3]"); err != nil {
		t.Fatal(err)
	}
	catalog, err := challenge.New(store, nil).Catalog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(catalog) != len(challenge.DefaultCatalog) {
		t.Fatalf("expected default catalog, got %d entries", len(catalog))
	}
	if !catalog[0].Completed || catalog[1].Completed || !catalog[2].Completed {
		t.Fatalf("legacy ids not applied: %+v", catalog[:3])
	}
	if _, ok, _ := store.Get(ctx, domain.KeyChallenges); !ok {
		t.Fatalf("catalog should be persisted on first access")
	}
}

func TestCustomSeed(t *testing.T) {
	seed := []domain.Challenge{{ID: 10, Title: "Short walk", StepThreshold: 100}}
	catalog, err := challenge.New(newStore(t), seed).Catalog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(catalog) != 1 || catalog[0].ID != 10 {
		t.Fatalf("unexpected catalog %+v", catalog)
	}
}

func TestAddAssignsNextID(t *testing.T) {
	ctx := context.Background()
	e := challenge.New(newStore(t), nil)
	c, err := e.Add(ctx, "  Marathon day ", 55000)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != 9 || c.Title != "Marathon day" || c.Completed {
		t.Fatalf("unexpected challenge %+v", c)
	}
	if _, err := e.Add(ctx, "", 10); !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Fatalf("expected invalid title error, got %v", err)
	}
	if _, err := e.Add(ctx, "zero", 0); !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Fatalf("expected invalid threshold error, got %v", err)
	}
	catalog, _ := e.Catalog(ctx)
	if len(catalog) != 9 {
		t.Fatalf("expected 9 challenges, got %d", len(catalog))
	}
}

func TestValidateCatalogRejectsDuplicates(t *testing.T) {
	err := challenge.ValidateCatalog([]domain.Challenge{
		{ID: 1, Title: "a", StepThreshold: 1},
		{ID: 1, Title: "b", StepThreshold: 2},
	})
	if !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}
