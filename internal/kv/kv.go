// Package kv is the durable string-keyed store shared by the activity,
// challenge and target components.
//
// Every read-modify-write against a key goes through Update, which holds a
// per-key lock for the whole cycle so overlapping updates cannot lose writes.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"stepline/internal/repo"
)

// ErrNoChange may be returned from an Update callback to skip the write.
var ErrNoChange = errors.New("kv: no change")

// Store is the capability the core components consume.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
	Update(ctx context.Context, key string, fn func(current string, ok bool) (string, error)) error
	UpdateMany(ctx context.Context, keys []string, fn func(current map[string]string) (map[string]string, error)) error
}

// SQLStore persists keys in the kv table.
type SQLStore struct {
	repo  repo.Repo
	locks keyLocks
}

func New(r repo.Repo) *SQLStore {
	return &SQLStore{repo: r, locks: keyLocks{held: map[string]*keyLock{}}}
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.repo.GetValue(ctx, nil, key)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// GetMany reads all keys inside one transaction so a concurrent SetMany is
// observed either entirely or not at all.
func (s *SQLStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	values, err := s.repo.GetValues(ctx, tx, keys)
	if err != nil {
		return nil, fmt.Errorf("get %v: %w", keys, err)
	}
	return values, tx.Commit()
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	unlock := s.locks.lock(key)
	defer unlock()
	if err := s.repo.PutValue(ctx, nil, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetMany writes all values in one transaction.
func (s *SQLStore) SetMany(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	unlock := s.locks.lockAll(keys)
	defer unlock()

	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, k := range keys {
		if err := s.repo.PutValue(ctx, tx, k, values[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Update runs fn against the current value of key and stores the result.
// Concurrent Updates of the same key run one after another.
func (s *SQLStore) Update(ctx context.Context, key string, fn func(current string, ok bool) (string, error)) error {
	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	current, err := s.repo.GetValue(ctx, tx, key)
	ok := true
	if errors.Is(err, repo.ErrNotFound) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	next, err := fn(current, ok)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.repo.PutValue(ctx, tx, key, next); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return tx.Commit()
}

// UpdateMany is Update over several keys: fn sees every present key and the
// values it returns are written in the same transaction. Keys absent from
// current were not stored; keys absent from the result are left untouched.
func (s *SQLStore) UpdateMany(ctx context.Context, keys []string, fn func(current map[string]string) (map[string]string, error)) error {
	keys = append([]string(nil), keys...)
	unlock := s.locks.lockAll(keys)
	defer unlock()

	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	current, err := s.repo.GetValues(ctx, tx, keys)
	if err != nil {
		return fmt.Errorf("read %v: %w", keys, err)
	}
	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	written := make([]string, 0, len(next))
	for k := range next {
		written = append(written, k)
	}
	sort.Strings(written)
	for _, k := range written {
		if err := s.repo.PutValue(ctx, tx, k, next[k]); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return tx.Commit()
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

// lockAll takes the locks in sorted order.
func (k *keyLocks) lockAll(keys []string) func() {
	sort.Strings(keys)
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, k.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
