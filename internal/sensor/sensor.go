// Package sensor defines the push-based step/position source consumed by the
// engine, plus the sources stepline ships with.
package sensor

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrUnavailable      = errors.New("sensor unavailable")
	ErrPermissionDenied = errors.New("sensor permission denied")
)

// Sample carries steps counted since the subscription began.
type Sample struct {
	Steps int `json:"steps"`
}

type Position struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// Source is a live sample source. Every Subscribe starts a fresh raw counter at 0.
type Source interface {
	Name() string
	// Available returns nil when the source can deliver samples, ErrUnavailable
	// or ErrPermissionDenied otherwise.
	Available(ctx context.Context) error
	Subscribe(ctx context.Context) (*Subscription, error)
}

// Subscription is a live registration with a Source. Release must be called
// by whoever subscribed; it is safe to call more than once.
type Subscription struct {
	Steps     <-chan Sample
	Positions <-chan Position

	once    sync.Once
	release func()
}

func NewSubscription(steps <-chan Sample, positions <-chan Position, release func()) *Subscription {
	return &Subscription{Steps: steps, Positions: positions, release: release}
}

func (s *Subscription) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
