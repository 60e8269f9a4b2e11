// Package target owns the daily step goal and the body metrics shown next to it.
package target

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stepline/internal/domain"
	"stepline/internal/kv"
)

const (
	DefaultDailyTarget = 1000
	DefaultHeightCm    = 170
	DefaultWeightKg    = 70

	MinHeightCm = 150
	MaxHeightCm = 200
	MinWeightKg = 50
	MaxWeightKg = 180
)

// AllowedTargets is the enumerated set of daily goals a user can pick.
var AllowedTargets = []int{1000, 2500, 5000, 7000, 9000, 12000, 15000, 20000, 25000, 30000, 40000, 50000, 75000, 100000}

var ErrInvalidConfig = errors.New("invalid target configuration")

// ValidationError names the rejected field. It matches ErrInvalidConfig with errors.Is.
type ValidationError struct {
	Field  string
	Value  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %d: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConfig }

var fieldKeys = []string{
	domain.KeyDailyTarget,
	domain.KeyUserHeight,
	domain.KeyUserWeight,
	domain.KeyUsername,
	domain.KeyProfileImage,
}

// Store reads and writes the target configuration keys.
type Store struct {
	kv kv.Store
}

func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Default returns the configuration used when nothing is persisted.
func Default() domain.TargetConfig {
	return domain.TargetConfig{
		DailyStepTarget: DefaultDailyTarget,
		HeightCm:        DefaultHeightCm,
		WeightKg:        DefaultWeightKg,
	}
}

// IsAllowed reports whether v is one of AllowedTargets.
func IsAllowed(v int) bool {
	for _, a := range AllowedTargets {
		if a == v {
			return true
		}
	}
	return false
}

// Validate checks every field; cosmetic strings are not validated.
func Validate(cfg domain.TargetConfig) error {
	if !IsAllowed(cfg.DailyStepTarget) {
		return &ValidationError{Field: "daily step target", Value: cfg.DailyStepTarget, Reason: "not one of the selectable targets"}
	}
	if cfg.HeightCm < MinHeightCm || cfg.HeightCm > MaxHeightCm {
		return &ValidationError{Field: "height", Value: cfg.HeightCm, Reason: fmt.Sprintf("must be within %d-%d cm", MinHeightCm, MaxHeightCm)}
	}
	if cfg.WeightKg < MinWeightKg || cfg.WeightKg > MaxWeightKg {
		return &ValidationError{Field: "weight", Value: cfg.WeightKg, Reason: fmt.Sprintf("must be within %d-%d kg", MinWeightKg, MaxWeightKg)}
	}
	return nil
}

// Load returns the persisted configuration, substituting defaults for absent
// or unparsable fields. All keys are read in one snapshot.
func (s *Store) Load(ctx context.Context) (domain.TargetConfig, error) {
	values, err := s.kv.GetMany(ctx, fieldKeys...)
	if err != nil {
		return domain.TargetConfig{}, err
	}
	cfg := Default()
	if n, ok := intValue(values, domain.KeyDailyTarget); ok && n > 0 {
		cfg.DailyStepTarget = n
	}
	if n, ok := intValue(values, domain.KeyUserHeight); ok {
		cfg.HeightCm = n
	}
	if n, ok := intValue(values, domain.KeyUserWeight); ok {
		cfg.WeightKg = n
	}
	cfg.Username = values[domain.KeyUsername]
	cfg.ProfileImage = values[domain.KeyProfileImage]
	return cfg, nil
}

func intValue(values map[string]string, key string) (int, bool) {
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Save validates cfg and persists every field in one transaction.
func (s *Store) Save(ctx context.Context, cfg domain.TargetConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	return s.kv.SetMany(ctx, map[string]string{
		domain.KeyDailyTarget:  strconv.Itoa(cfg.DailyStepTarget),
		domain.KeyUserHeight:   strconv.Itoa(cfg.HeightCm),
		domain.KeyUserWeight:   strconv.Itoa(cfg.WeightKg),
		domain.KeyUsername:     strings.TrimSpace(cfg.Username),
		domain.KeyProfileImage: strings.TrimSpace(cfg.ProfileImage),
	})
}
