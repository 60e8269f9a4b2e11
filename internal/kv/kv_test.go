package kv_test

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"stepline/internal/db"
	"stepline/internal/kv"
	"stepline/internal/migrate"
	"stepline/internal/repo"
)

func newStore(t *testing.T) *kv.SQLStore {
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

func TestGetMissingKey(t *testing.T) {
	s := newStore(t)
	v, ok, err := s.Get(context.Background(), "nope")
	if err != nil || ok || v != "" {
		t.Fatalf("expected absent key, got %q %v %v", v, ok, err)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", func(current string, ok bool) (string, error) {
				n := 0
				if ok {
					n, _ = strconv.Atoi(current)
				}
				return strconv.Itoa(n + 1), nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
	v, _, err := s.Get(ctx, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if v != strconv.Itoa(workers) {
		t.Fatalf("expected %d, got %s", workers, v)
	}
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", "a"); err != nil {
		t.Fatal(err)
	}
	err := s.Update(ctx, "k", func(string, bool) (string, error) { return "", kv.ErrNoChange })
	if err != nil {
		t.Fatalf("ErrNoChange should not surface: %v", err)
	}
	if v, _, _ := s.Get(ctx, "k"); v != "a" {
		t.Fatalf("value changed to %q", v)
	}
}

func TestSetManyAndGetMany(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SetMany(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMany(ctx, "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["a"] != "1" || got["b"] != "2" {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestUpdateManyWritesTogether(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateMany(ctx, []string{"b", "a"}, func(cur map[string]string) (map[string]string, error) {
		if _, ok := cur["b"]; ok {
			t.Fatalf("b should be absent, got %v", cur)
		}
		n, _ := strconv.Atoi(cur["a"])
		return map[string]string{"a": strconv.Itoa(n + 1), "b": "x" + cur["a"]}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMany(ctx, "a", "b")
	if err != nil || got["a"] != "2" || got["b"] != "x1" {
		t.Fatalf("unexpected values %v %v", got, err)
	}
	if err := s.UpdateMany(ctx, []string{"a"}, func(map[string]string) (map[string]string, error) {
		return nil, kv.ErrNoChange
	}); err != nil {
		t.Fatalf("ErrNoChange should not surface: %v", err)
	}
}
