package sensor

import (
	"context"
	"fmt"
	"sync"
)

const feedBuffer = 64

// Feed is a Source whose samples are pushed by the caller: the HTTP ingest
// endpoints, the CLI and tests.
type Feed struct {
	name string

	mu          sync.Mutex
	subs        map[int]*feedSub
	next        int
	unavailable error
}

type feedSub struct {
	steps     chan Sample
	positions chan Position
	done      chan struct{}
}

func NewFeed(name string) *Feed {
	if name == "" {
		name = "feed"
	}
	return &Feed{name: name, subs: map[int]*feedSub{}}
}

func (f *Feed) Name() string { return f.name }

// SetUnavailable makes Available and Subscribe fail with err. nil restores the feed.
func (f *Feed) SetUnavailable(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = err
}

func (f *Feed) Available(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unavailable
}

func (f *Feed) Subscribe(ctx context.Context) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable != nil {
		return nil, f.unavailable
	}
	id := f.next
	f.next++
	sub := &feedSub{
		steps:     make(chan Sample, feedBuffer),
		positions: make(chan Position, feedBuffer),
		done:      make(chan struct{}),
	}
	f.subs[id] = sub
	return NewSubscription(sub.steps, sub.positions, func() {
		close(sub.done)
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(sub.steps)
		close(sub.positions)
	}), nil
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// PushSteps delivers a raw count (steps since subscription start) to every subscriber.
func (f *Feed) PushSteps(ctx context.Context, raw int) error {
	if raw < 0 {
		return fmt.Errorf("invalid step count %d", raw)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub.steps <- Sample{Steps: raw}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *Feed) PushPosition(ctx context.Context, p Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub.positions <- p:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
