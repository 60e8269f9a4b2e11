// Package challenge keeps the catalog of step-threshold challenges and their
// monotone completion flags.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stepline/internal/domain"
	"stepline/internal/kv"
	"stepline/internal/repo"
)

// DefaultCatalog is seeded on first access when no catalog is persisted.
// IDs are stable; clients keep them.
var DefaultCatalog = []domain.Challenge{
	{ID: 1, Title: "Walk 3,000 steps", StepThreshold: 3000},
	{ID: 2, Title: "Walk 7,000 steps", StepThreshold: 7000},
	{ID: 3, Title: "Walk 10,000 steps", StepThreshold: 10000},
	{ID: 4, Title: "Walk 15,000 steps", StepThreshold: 15000},
	{ID: 5, Title: "Walk 20,000 steps", StepThreshold: 20000},
	{ID: 6, Title: "Walk 30,000 steps", StepThreshold: 30000},
	{ID: 7, Title: "Walk 45,000 steps", StepThreshold: 45000},
	{ID: 8, Title: "Walk 60,000 steps", StepThreshold: 60000},
}

var ErrInvalidChallenge = errors.New("invalid challenge")

// ValidateCatalog checks ids are unique and every entry is well formed.
func ValidateCatalog(items []domain.Challenge) error {
	seen := map[int]bool{}
	for _, c := range items {
		if err := validate(c.Title, c.StepThreshold); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate id %d", ErrInvalidChallenge, c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

func validate(title string, threshold int) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidChallenge)
	}
	if threshold <= 0 {
		return fmt.Errorf("%w: step threshold must be positive, got %d", ErrInvalidChallenge, threshold)
	}
	return nil
}

type Engine struct {
	store kv.Store
	seed  []domain.Challenge
}

// New returns an engine seeding seed on first access, or DefaultCatalog when seed is empty.
func New(store kv.Store, seed []domain.Challenge) *Engine {
	if len(seed) == 0 {
		seed = DefaultCatalog
	}
	return &Engine{store: store, seed: seed}
}

// seedCatalog copies the seed and marks ids from the legacy completed-id list.
func (e *Engine) seedCatalog(legacy map[int]bool) []domain.Challenge {
	out := make([]domain.Challenge, len(e.seed))
	for i, c := range e.seed {
		c.Completed = legacy[c.ID]
		out[i] = c
	}
	return out
}

func (e *Engine) legacyCompleted(ctx context.Context) (map[int]bool, error) {
	raw, ok, err := e.store.Get(ctx, domain.KeyCompletedChallenges)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var ids []int
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", repo.ErrCorrupt, domain.KeyCompletedChallenges, err)
	}
	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// mutate runs fn over the persisted catalog, seeding it when absent. fn
// reports whether it changed anything; an unchanged, already persisted
// catalog is not rewritten.
func (e *Engine) mutate(ctx context.Context, fn func([]domain.Challenge) ([]domain.Challenge, bool, error)) ([]domain.Challenge, error) {
	legacy, err := e.legacyCompleted(ctx)
	if err != nil {
		return nil, err
	}
	var result []domain.Challenge
	err = e.store.Update(ctx, domain.KeyChallenges, func(current string, ok bool) (string, error) {
		var items []domain.Challenge
		if ok && current != "" {
			if err := json.Unmarshal([]byte(current), &items); err != nil {
				return "", fmt.Errorf("%w: decode %s: %w", repo.ErrCorrupt, domain.KeyChallenges, err)
			}
		} else {
			items = e.seedCatalog(legacy)
		}
		next, changed, err := fn(items)
		if err != nil {
			return "", err
		}
		result = next
		if ok && !changed {
			return "", kv.ErrNoChange
		}
		b, err := json.Marshal(next)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Catalog returns the persisted catalog in order, seeding it on first access.
func (e *Engine) Catalog(ctx context.Context) ([]domain.Challenge, error) {
	return e.mutate(ctx, func(items []domain.Challenge) ([]domain.Challenge, bool, error) {
		return items, false, nil
	})
}

// Evaluate completes every open challenge whose threshold steps reaches and
// returns just those, in catalog order. Completed challenges never reopen.
func (e *Engine) Evaluate(ctx context.Context, steps int) ([]domain.Challenge, error) {
	if steps < 0 {
		return nil, fmt.Errorf("invalid step count %d", steps)
	}
	var newly []domain.Challenge
	_, err := e.mutate(ctx, func(items []domain.Challenge) ([]domain.Challenge, bool, error) {
		newly = nil
		for i := range items {
			if items[i].Completed || steps < items[i].StepThreshold {
				continue
			}
			items[i].Completed = true
			newly = append(newly, items[i])
		}
		return items, len(newly) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if newly == nil {
		newly = []domain.Challenge{}
	}
	return newly, nil
}

// Add appends a user-defined challenge with the next free id.
func (e *Engine) Add(ctx context.Context, title string, threshold int) (domain.Challenge, error) {
	title = strings.TrimSpace(title)
	if err := validate(title, threshold); err != nil {
		return domain.Challenge{}, err
	}
	var added domain.Challenge
	_, err := e.mutate(ctx, func(items []domain.Challenge) ([]domain.Challenge, bool, error) {
		maxID := 0
		for _, c := range items {
			if c.ID > maxID {
				maxID = c.ID
			}
		}
		added = domain.Challenge{ID: maxID + 1, Title: title, StepThreshold: threshold}
		return append(items, added), true, nil
	})
	return added, err
}
