package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stepline/internal/activity"
	"stepline/internal/domain"
	"stepline/internal/sensor"
)

var ErrSessionStopped = errors.New("session stopped")

type request struct {
	sample   *sensor.Sample
	position *sensor.Position
	reply    chan result
}

type result struct {
	update Update
	point  domain.RoutePoint
	err    error
}

// Session is one subscription to a sensor source. Samples from the
// subscription and from Deliver are applied by a single goroutine in arrival
// order.
type Session struct {
	ID         string
	Source     string
	StartedAt  time.Time
	StartSteps int

	engine   *Engine
	sub      *sensor.Subscription
	cancel   context.CancelFunc
	requests chan request
	done     chan struct{}

	mu        sync.Mutex
	lastErr   error
	completed []domain.Challenge
}

// Done is closed once the session has released its subscription.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends the session, applying samples already queued on the subscription
// first. It is safe to call more than once.
func (s *Session) Stop() error {
	s.cancel()
	<-s.done
	return s.Err()
}

// Err returns the last persistence error seen by the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Completed lists challenges completed during this session, in order.
func (s *Session) Completed() []domain.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Challenge(nil), s.completed...)
}

// Deliver applies a raw step count synchronously and returns the resulting update.
func (s *Session) Deliver(ctx context.Context, sample sensor.Sample) (Update, error) {
	res, err := s.send(ctx, request{sample: &sample})
	if err != nil {
		return Update{}, err
	}
	return res.update, res.err
}

// DeliverPosition records a position synchronously.
func (s *Session) DeliverPosition(ctx context.Context, p sensor.Position) (domain.RoutePoint, error) {
	res, err := s.send(ctx, request{position: &p})
	if err != nil {
		return domain.RoutePoint{}, err
	}
	return res.point, res.err
}

func (s *Session) send(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return result{}, ErrSessionStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (s *Session) run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer func() {
		ticker.Stop()
		s.sub.Release()
		s.engine.finish(s)
		close(s.done)
	}()

	steps := s.sub.Steps
	positions := s.sub.Positions
	for steps != nil || positions != nil {
		select {
		case <-ctx.Done():
			s.drain(steps, positions)
			return
		case smp, ok := <-steps:
			if !ok {
				steps = nil
				continue
			}
			s.handleSteps(ctx, smp.Steps)
		case p, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			s.handlePosition(ctx, p)
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)
		case <-ticker.C:
			s.engine.Activity.Touch()
		}
	}
}

// drain applies whatever the source had already queued when the session was stopped.
func (s *Session) drain(steps <-chan sensor.Sample, positions <-chan sensor.Position) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case smp, ok := <-steps:
			if !ok {
				steps = nil
				continue
			}
			s.handleSteps(ctx, smp.Steps)
		case p, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			s.handlePosition(ctx, p)
		default:
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, req request) result {
	if req.sample != nil {
		u, err := s.handleSteps(ctx, req.sample.Steps)
		return result{update: u, err: err}
	}
	pt, err := s.handlePosition(ctx, *req.position)
	return result{point: pt, err: err}
}

func (s *Session) handleSteps(ctx context.Context, raw int) (Update, error) {
	e := s.engine
	snap, err := e.Activity.OnStepDelta(ctx, raw)
	if err != nil {
		s.fail("apply steps", err)
		return Update{Snapshot: snap}, err
	}
	newly, err := e.completeChallenges(ctx, s.ID, snap.CumulativeSteps)
	if err != nil {
		s.fail("evaluate challenges", err)
		return Update{Snapshot: snap}, err
	}
	u := Update{Snapshot: snap, Progress: e.progress(ctx, snap.CumulativeSteps), Completed: newly}
	if len(newly) > 0 {
		s.mu.Lock()
		s.completed = append(s.completed, newly...)
		s.mu.Unlock()
		e.publish(u)
	}
	return u, nil
}

func (s *Session) handlePosition(ctx context.Context, p sensor.Position) (domain.RoutePoint, error) {
	if p.At.IsZero() {
		p.At = s.engine.now()
	}
	pt, err := s.engine.Routes.Record(ctx, s.ID, p)
	if err != nil {
		s.fail("record position", err)
	}
	return pt, err
}

func (s *Session) fail(op string, err error) {
	s.engine.logger().Warn("session sample abandoned", "session", s.ID, "op", op, "error", err)
	s.mu.Lock()
	s.lastErr = fmt.Errorf("%s: %w", op, err)
	s.mu.Unlock()
}

// Snapshot is the aggregator state as seen by this session.
func (s *Session) Snapshot() activity.Snapshot {
	return s.engine.Activity.Snapshot()
}
