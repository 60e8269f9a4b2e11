package sensor

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/tormoder/fit"
)

// StepsPerCycle converts FIT running cycles (strides) into steps.
const StepsPerCycle = 2

type replayEvent struct {
	at       time.Time
	steps    int
	hasSteps bool
	pos      *Position
}

// FITReplay replays the records of a FIT activity file as a live source.
// Speed scales the gaps between record timestamps; 0 replays without pauses.
type FITReplay struct {
	Speed float64

	name   string
	events []replayEvent
}

// NewFITReplay decodes a FIT activity. Records without a cycle count only
// contribute positions.
func NewFITReplay(name string, r io.Reader) (*FITReplay, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode fit: %w", err)
	}
	activity, err := decoded.Activity()
	if err != nil {
		return nil, fmt.Errorf("fit activity: %w", err)
	}
	records := append([]*fit.RecordMsg(nil), activity.Records...)
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	var events []replayEvent
	first := -1
	for _, rec := range records {
		ev := replayEvent{at: rec.Timestamp}
		if rec.TotalCycles != math.MaxUint32 {
			cycles := int(rec.TotalCycles)
			if first < 0 {
				first = cycles
			}
			ev.steps = (cycles - first) * StepsPerCycle
			if ev.steps < 0 {
				ev.steps = 0
			}
			ev.hasSteps = true
		}
		if !rec.PositionLat.Invalid() && !rec.PositionLong.Invalid() {
			ev.pos = &Position{Lat: rec.PositionLat.Degrees(), Lon: rec.PositionLong.Degrees(), At: rec.Timestamp}
		}
		if ev.hasSteps || ev.pos != nil {
			events = append(events, ev)
		}
	}
	if name == "" {
		name = "fit"
	}
	return &FITReplay{name: name, events: events}, nil
}

func (f *FITReplay) Name() string { return f.name }

// Len reports how many replayable records the file holds.
func (f *FITReplay) Len() int { return len(f.events) }

func (f *FITReplay) Available(context.Context) error {
	if len(f.events) == 0 {
		return fmt.Errorf("%w: no step or position records in %s", ErrUnavailable, f.name)
	}
	return nil
}

// Subscribe starts the replay. Channels close once every record is delivered
// or the subscription is released.
func (f *FITReplay) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := f.Available(ctx); err != nil {
		return nil, err
	}
	steps := make(chan Sample)
	positions := make(chan Position)
	ctx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer close(steps)
		defer close(positions)
		var prev time.Time
		for _, ev := range f.events {
			if f.Speed > 0 && !prev.IsZero() && ev.at.After(prev) {
				gap := time.Duration(float64(ev.at.Sub(prev)) / f.Speed)
				t := time.NewTimer(gap)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
			}
			prev = ev.at
			if ev.pos != nil {
				select {
				case positions <- *ev.pos:
				case <-ctx.Done():
					return
				}
			}
			if ev.hasSteps {
				select {
				case steps <- Sample{Steps: ev.steps}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return NewSubscription(steps, positions, func() {
		cancel()
		<-finished
	}), nil
}
