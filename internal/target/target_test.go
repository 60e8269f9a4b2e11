package target_test

import (
	"context"
	"errors"
	"testing"

	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/kv"
	"stepline/internal/migrate"
	"stepline/internal/repo"
	"stepline/internal/target"
)

func newStore(t *testing.T) (*target.Store, kv.Store) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := kv.New(repo.Repo{DB: conn})
	return target.New(store), store
}

func TestLoadDefaults(t *testing.T) {
	s, _ := newStore(t)
	cfg, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cfg != target.Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	bounds := [][2]int{{150, 50}, {200, 180}, {175, 90}}
	for _, daily := range target.AllowedTargets {
		for _, b := range bounds {
			in := domain.TargetConfig{DailyStepTarget: daily, HeightCm: b[0], WeightKg: b[1], Username: "sam"}
			if err := s.Save(ctx, in); err != nil {
				t.Fatalf("save %+v: %v", in, err)
			}
			out, err := s.Load(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if out != in {
				t.Fatalf("round trip: saved %+v, loaded %+v", in, out)
			}
		}
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	s, kvs := newStore(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		cfg   domain.TargetConfig
		field string
	}{
		{"target not selectable", domain.TargetConfig{DailyStepTarget: 1234, HeightCm: 170, WeightKg: 70}, "daily step target"},
		{"target zero", domain.TargetConfig{DailyStepTarget: 0, HeightCm: 170, WeightKg: 70}, "daily step target"},
		{"too short", domain.TargetConfig{DailyStepTarget: 1000, HeightCm: 149, WeightKg: 70}, "height"},
		{"too tall", domain.TargetConfig{DailyStepTarget: 1000, HeightCm: 201, WeightKg: 70}, "height"},
		{"too light", domain.TargetConfig{DailyStepTarget: 1000, HeightCm: 170, WeightKg: 49}, "weight"},
		{"too heavy", domain.TargetConfig{DailyStepTarget: 1000, HeightCm: 170, WeightKg: 181}, "weight"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := s.Save(ctx, c.cfg)
			if !errors.Is(err, target.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			var verr *target.ValidationError
			if !errors.As(err, &verr) || verr.Field != c.field {
				t.Fatalf("expected field %q, got %v", c.field, err)
			}
		})
	}
	if _, ok, _ := kvs.Get(ctx, domain.KeyDailyTarget); ok {
		t.Fatalf("rejected config must not be persisted")
	}
}

func TestLoadIgnoresUnparsableValues(t *testing.T) {
	s, kvs := newStore(t)
	ctx := context.Background()
	if err := kvs.SetMany(ctx, map[string]string{
		domain.KeyDailyTarget: "lots",
		domain.KeyUserHeight:  " 182 ",
	}); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DailyStepTarget != target.DefaultDailyTarget || cfg.HeightCm != 182 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
