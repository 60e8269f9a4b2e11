package activity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stepline/internal/activity"
	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/kv"
	"stepline/internal/migrate"
	"stepline/internal/repo"
	"stepline/internal/target"
)

type fixture struct {
	store *kv.SQLStore
	agg   *activity.Aggregator
	ctx   context.Context
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := kv.New(repo.Repo{DB: conn})
	f := &fixture{store: store, ctx: ctx, now: time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)}
	f.agg = activity.New(store, target.New(store))
	f.agg.Now = func() time.Time { return f.now }
	f.agg.Location = time.UTC
	return f
}

func TestOnStepDeltaReplacesWithinSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agg.StartSession(f.ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agg.OnStepDelta(f.ctx, 500); err != nil {
		t.Fatal(err)
	}
	snap, err := f.agg.OnStepDelta(f.ctx, 800)
	if err != nil {
		t.Fatal(err)
	}
	if snap.CumulativeSteps != 800 || snap.DistanceKm != 0.61 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	raw, _, _ := f.store.Get(f.ctx, domain.KeyStepCount)
	if raw != "800" {
		t.Fatalf("persisted %q", raw)
	}
	raw, _, _ = f.store.Get(f.ctx, domain.KeyDailyDistances)
	if raw != `{"2024-03-10":"0.61"}` {
		t.Fatalf("persisted distances %s", raw)
	}
}

func TestTotalNeverDecreases(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Set(f.ctx, domain.KeyStepCount, "1200"); err != nil {
		t.Fatal(err)
	}
	prior, err := f.agg.StartSession(f.ctx)
	if err != nil || prior != 1200 {
		t.Fatalf("start: %d %v", prior, err)
	}
	if _, err := f.agg.OnStepDelta(f.ctx, 300); err != nil {
		t.Fatal(err)
	}
	// a sensor that resets its counter mid-session must not lower the total
	snap, err := f.agg.OnStepDelta(f.ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if snap.CumulativeSteps != 1500 {
		t.Fatalf("expected 1500, got %d", snap.CumulativeSteps)
	}
	if _, err := f.agg.OnStepDelta(f.ctx, -1); err == nil {
		t.Fatalf("expected negative count to fail")
	}
}

func TestStoredCountAndBucketAgreeWithOtherWriter(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agg.StartSession(f.ctx); err != nil {
		t.Fatal(err)
	}
	// another process sharing the workspace advanced the total
	if err := f.store.Set(f.ctx, domain.KeyStepCount, "5000"); err != nil {
		t.Fatal(err)
	}
	snap, err := f.agg.OnStepDelta(f.ctx, 800)
	if err != nil {
		t.Fatal(err)
	}
	if snap.CumulativeSteps != 5000 || snap.DistanceKm != 3.81 {
		t.Fatalf("expected snapshot raised to the stored total, got %+v", snap)
	}
	raw, _, _ := f.store.Get(f.ctx, domain.KeyStepCount)
	if raw != "5000" {
		t.Fatalf("stepCount %q", raw)
	}
	raw, _, _ = f.store.Get(f.ctx, domain.KeyDailyDistances)
	if raw != `{"2024-03-10":"3.81"}` {
		t.Fatalf("dailyDistances %s", raw)
	}
	snap, err = f.agg.OnStepDelta(f.ctx, 4500)
	if err != nil || snap.CumulativeSteps != 5000 {
		t.Fatalf("expected total to stay at 5000, got %+v %v", snap, err)
	}
}

func TestOnStepDeltaWithoutSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agg.OnStepDelta(f.ctx, 10); !errors.Is(err, activity.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestHistoryOrderedAndTolerant(t *testing.T) {
	f := newFixture(t)
	hist, err := f.agg.History(f.ctx)
	if err != nil || len(hist) != 0 || hist == nil {
		t.Fatalf("expected empty history, got %v %v", hist, err)
	}
	if err := f.store.Set(f.ctx, domain.KeyDailyDistances, `{"2024-03-09":1.5,"2024-03-08":"0.20"}`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agg.StartSession(f.ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agg.OnStepDelta(f.ctx, 1000); err != nil {
		t.Fatal(err)
	}
	hist, err = f.agg.History(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.DailyDistance{{Date: "2024-03-08", DistanceKm: 0.2}, {Date: "2024-03-09", DistanceKm: 1.5}, {Date: "2024-03-10", DistanceKm: 0.76}}
	if len(hist) != len(want) {
		t.Fatalf("unexpected history %+v", hist)
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Fatalf("history[%d] = %+v, want %+v", i, hist[i], want[i])
		}
	}
}

func TestDerivedValues(t *testing.T) {
	if got := activity.Calories(3000); got != 150 {
		t.Fatalf("calories %v", got)
	}
	cases := []struct {
		steps, target int
		want          float64
	}{
		{0, 1000, 0},
		{500, 1000, 0.5},
		{5000, 1000, 1},
		{3, 0, 1},
	}
	for _, c := range cases {
		if got := activity.Progress(c.steps, c.target); got != c.want {
			t.Errorf("Progress(%d, %d) = %v, want %v", c.steps, c.target, got, c.want)
		}
	}
}

func TestElapsedMinutesAndObservers(t *testing.T) {
	f := newFixture(t)
	var seen []activity.Snapshot
	unsubscribe := f.agg.Subscribe(func(s activity.Snapshot) { seen = append(seen, s) })
	if _, err := f.agg.StartSession(f.ctx); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(90 * time.Second)
	f.agg.Touch()
	if len(seen) != 2 || seen[1].ElapsedMinutes != 1.5 {
		t.Fatalf("unexpected notifications %+v", seen)
	}
	unsubscribe()
	f.agg.EndSession()
	if len(seen) != 2 {
		t.Fatalf("observer still registered")
	}
	if f.agg.Snapshot().ElapsedMinutes != 0 {
		t.Fatalf("elapsed should reset after session end")
	}
}

func TestCurrentProgressUsesTarget(t *testing.T) {
	f := newFixture(t)
	if err := target.New(f.store).Save(f.ctx, domain.TargetConfig{DailyStepTarget: 2500, HeightCm: 170, WeightKg: 70}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agg.StartSession(f.ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agg.OnStepDelta(f.ctx, 1250); err != nil {
		t.Fatal(err)
	}
	p, err := f.agg.CurrentProgress(f.ctx)
	if err != nil || p != 0.5 {
		t.Fatalf("progress %v %v", p, err)
	}
}
