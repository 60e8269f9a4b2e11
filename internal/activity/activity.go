// Package activity turns raw pedometer counts into the persisted lifetime step
// total and the date-keyed distance history.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stepline/internal/domain"
	"stepline/internal/kv"
	"stepline/internal/repo"
)

const (
	StepLengthKm         = 0.000762
	CaloriesPer1000Steps = 50
)

var ErrNoSession = errors.New("no active session")

// TargetReader supplies the daily goal for progress computation.
type TargetReader interface {
	Load(ctx context.Context) (domain.TargetConfig, error)
}

// Snapshot is the aggregator state plus the values derived from it.
type Snapshot struct {
	CumulativeSteps int       `json:"cumulative_steps"`
	SessionStart    time.Time `json:"session_start,omitempty"`
	ElapsedMinutes  float64   `json:"elapsed_minutes"`
	Calories        float64   `json:"calories"`
	Date            string    `json:"date"`
	DistanceKm      float64   `json:"distance_km"`
}

type Aggregator struct {
	store   kv.Store
	targets TargetReader
	// Now and Location are injectable for tests; Location defaults to time.Local.
	Now      func() time.Time
	Location *time.Location

	mu           sync.Mutex
	prior        int
	steps        int
	sessionStart time.Time
	observers    map[int]func(Snapshot)
	nextObserver int
}

func New(store kv.Store, targets TargetReader) *Aggregator {
	return &Aggregator{
		store:     store,
		targets:   targets,
		Now:       time.Now,
		observers: map[int]func(Snapshot){},
	}
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Aggregator) today() string {
	loc := a.Location
	if loc == nil {
		loc = time.Local
	}
	return a.now().In(loc).Format(domain.DateLayout)
}

// DistanceKm converts a step count into kilometres rounded to 2 decimals.
func DistanceKm(steps int) float64 {
	return round2(float64(steps) * StepLengthKm)
}

// Calories is the cosmetic calorie estimate for a step count.
func Calories(steps int) float64 {
	return float64(steps) / 1000 * CaloriesPer1000Steps
}

// Progress returns steps/target clamped to [0,1]. Targets below 1 count as 1.
func Progress(steps, target int) float64 {
	if target < 1 {
		target = 1
	}
	if steps <= 0 {
		return 0
	}
	return math.Min(1, float64(steps)/float64(target))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Load refreshes the in-memory total from storage without starting a session.
func (a *Aggregator) Load(ctx context.Context) (Snapshot, error) {
	persisted, err := a.persistedSteps(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	if persisted > a.steps {
		a.steps = persisted
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()
	return snap, nil
}

// StartSession caches the persisted total as the base for this subscription's
// raw counter and marks the session start time.
func (a *Aggregator) StartSession(ctx context.Context) (int, error) {
	persisted, err := a.persistedSteps(ctx)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.prior = persisted
	if persisted > a.steps {
		a.steps = persisted
	}
	a.sessionStart = a.now()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
	return persisted, nil
}

// EndSession clears the session start; the total is kept.
func (a *Aggregator) EndSession() {
	a.mu.Lock()
	a.sessionStart = time.Time{}
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

func (a *Aggregator) persistedSteps(ctx context.Context) (int, error) {
	raw, ok, err := a.store.Get(ctx, domain.KeyStepCount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s is not a step count: %q", repo.ErrCorrupt, domain.KeyStepCount, raw)
	}
	return n, nil
}

// OnStepDelta applies a raw count (steps since subscription start). The new
// total replaces the previous one: total = persisted-at-session-start + raw.
func (a *Aggregator) OnStepDelta(ctx context.Context, raw int) (Snapshot, error) {
	if raw < 0 {
		return Snapshot{}, fmt.Errorf("invalid step count %d", raw)
	}
	a.mu.Lock()
	if a.sessionStart.IsZero() {
		a.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	total := a.prior + raw
	if total < a.steps {
		total = a.steps
	}
	a.steps = total
	snap := a.snapshotLocked()
	a.mu.Unlock()

	stored, err := a.persist(ctx, total, snap.Date)
	if err != nil {
		return snap, err
	}
	if stored > total {
		a.mu.Lock()
		if stored > a.steps {
			a.steps = stored
		}
		snap = a.snapshotLocked()
		a.mu.Unlock()
	}
	a.notify(snap)
	return snap, nil
}

// persist writes the step count and today's bucket in one transaction. The
// stored count never goes down, and the bucket is derived from whatever count
// ends up stored, so the two keys always agree. It returns that count.
func (a *Aggregator) persist(ctx context.Context, total int, date string) (int, error) {
	stored := total
	keys := []string{domain.KeyStepCount, domain.KeyDailyDistances}
	err := a.store.UpdateMany(ctx, keys, func(current map[string]string) (map[string]string, error) {
		stored = total
		if v, ok := current[domain.KeyStepCount]; ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > stored {
				stored = n
			}
		}
		buckets := map[string]string{}
		if v := current[domain.KeyDailyDistances]; v != "" {
			parsed, err := decodeDistances(v)
			if err != nil {
				return nil, err
			}
			for d, km := range parsed {
				buckets[d] = strconv.FormatFloat(km, 'f', 2, 64)
			}
		}
		buckets[date] = strconv.FormatFloat(DistanceKm(stored), 'f', 2, 64)
		b, err := json.Marshal(buckets)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			domain.KeyStepCount:      strconv.Itoa(stored),
			domain.KeyDailyDistances: string(b),
		}, nil
	})
	if err != nil {
		return 0, fmt.Errorf("persist steps: %w", err)
	}
	return stored, nil
}

// decodeDistances accepts both decimal strings and bare numbers as values.
func decodeDistances(raw string) (map[string]float64, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", repo.ErrCorrupt, domain.KeyDailyDistances, err)
	}
	out := make(map[string]float64, len(generic))
	for date, v := range generic {
		s := strings.Trim(strings.TrimSpace(string(v)), `"`)
		km, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s[%s]: %w", repo.ErrCorrupt, domain.KeyDailyDistances, date, err)
		}
		out[date] = km
	}
	return out, nil
}

// History returns every persisted distance bucket ordered by date.
func (a *Aggregator) History(ctx context.Context) ([]domain.DailyDistance, error) {
	raw, ok, err := a.store.Get(ctx, domain.KeyDailyDistances)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []domain.DailyDistance{}, nil
	}
	parsed, err := decodeDistances(raw)
	if err != nil {
		return nil, err
	}
	res := make([]domain.DailyDistance, 0, len(parsed))
	for date, km := range parsed {
		res = append(res, domain.DailyDistance{Date: date, DistanceKm: km})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date < res[j].Date })
	return res, nil
}

// CurrentProgress is the ratio of the current total to the configured target.
func (a *Aggregator) CurrentProgress(ctx context.Context) (float64, error) {
	target := 0
	if a.targets != nil {
		cfg, err := a.targets.Load(ctx)
		if err != nil {
			return 0, err
		}
		target = cfg.DailyStepTarget
	}
	a.mu.Lock()
	steps := a.steps
	a.mu.Unlock()
	return Progress(steps, target), nil
}

// Snapshot returns the in-memory state with derived values.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	s := Snapshot{
		CumulativeSteps: a.steps,
		SessionStart:    a.sessionStart,
		Calories:        Calories(a.steps),
		Date:            a.today(),
		DistanceKm:      DistanceKm(a.steps),
	}
	if !a.sessionStart.IsZero() {
		s.ElapsedMinutes = float64(a.now().Sub(a.sessionStart).Milliseconds()) / 60000
	}
	return s
}

// Subscribe registers fn for every state change. The returned func unregisters it.
func (a *Aggregator) Subscribe(fn func(Snapshot)) func() {
	a.mu.Lock()
	id := a.nextObserver
	a.nextObserver++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// Touch re-publishes the current snapshot so observers refresh elapsed time.
func (a *Aggregator) Touch() {
	a.notify(a.Snapshot())
}

func (a *Aggregator) notify(s Snapshot) {
	a.mu.Lock()
	fns := make([]func(Snapshot), 0, len(a.observers))
	for _, fn := range a.observers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
