package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepline/internal/activity"
	"stepline/internal/challenge"
	"stepline/internal/config"
	"stepline/internal/domain"
	"stepline/internal/events"
	"stepline/internal/kv"
	"stepline/internal/repo"
	"stepline/internal/route"
	"stepline/internal/sensor"
	"stepline/internal/target"
)

var ErrSessionActive = errors.New("a session is already running")

// Acknowledger is told about each newly completed challenge exactly once.
type Acknowledger interface {
	Acknowledge(ctx context.Context, sessionID string, c domain.Challenge)
}

type AcknowledgerFunc func(ctx context.Context, sessionID string, c domain.Challenge)

func (f AcknowledgerFunc) Acknowledge(ctx context.Context, sessionID string, c domain.Challenge) {
	f(ctx, sessionID, c)
}

// Update is published to observers after every state change.
type Update struct {
	Snapshot  activity.Snapshot  `json:"snapshot"`
	Progress  float64            `json:"progress"`
	Completed []domain.Challenge `json:"completed,omitempty"`
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Store      kv.Store
	Activity   *activity.Aggregator
	Challenges *challenge.Engine
	Targets    *target.Store
	Routes     route.Recorder
	Events     events.Writer
	Config     *config.Config
	Logger     *slog.Logger
	Ack        Acknowledger
	Now        func() time.Time

	mu           sync.Mutex
	active       *Session
	observers    map[int]func(Update)
	nextObserver int
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	store := kv.New(r)
	targets := target.New(store)
	e := &Engine{
		DB:         db,
		Repo:       r,
		Store:      store,
		Activity:   activity.New(store, targets),
		Challenges: challenge.New(store, cfg.Catalog()),
		Targets:    targets,
		Routes:     route.Recorder{Repo: r},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Logger:     slog.Default(),
		Now:        time.Now,
		observers:  map[int]func(Update){},
	}
	e.Activity.Subscribe(func(s activity.Snapshot) {
		e.publish(Update{Snapshot: s, Progress: e.progress(context.Background(), s.CumulativeSteps)})
	})
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SetNow swaps the clock used by the engine and its components.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.Activity.Now = now
	e.Events.Now = now
}

func (e *Engine) progress(ctx context.Context, steps int) float64 {
	cfg, err := e.Targets.Load(ctx)
	if err != nil {
		e.logger().Warn("load target for progress", "error", err)
		cfg = target.Default()
	}
	return activity.Progress(steps, cfg.DailyStepTarget)
}

// Subscribe registers fn for every published Update. The returned func unregisters it.
func (e *Engine) Subscribe(fn func(Update)) func() {
	e.mu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) publish(u Update) {
	e.mu.Lock()
	fns := make([]func(Update), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Status loads the persisted total and reports it with progress and target.
func (e *Engine) Status(ctx context.Context) (Update, domain.TargetConfig, error) {
	snap, err := e.Activity.Load(ctx)
	if err != nil {
		return Update{}, domain.TargetConfig{}, err
	}
	cfg, err := e.Targets.Load(ctx)
	if err != nil {
		return Update{}, domain.TargetConfig{}, err
	}
	return Update{Snapshot: snap, Progress: activity.Progress(snap.CumulativeSteps, cfg.DailyStepTarget)}, cfg, nil
}

// UpdateTarget saves cfg and records the change.
func (e *Engine) UpdateTarget(ctx context.Context, cfg domain.TargetConfig) (domain.TargetConfig, error) {
	before, err := e.Targets.Load(ctx)
	if err != nil {
		return domain.TargetConfig{}, err
	}
	if err := e.Targets.Save(ctx, cfg); err != nil {
		return domain.TargetConfig{}, err
	}
	if err := e.Events.Append(ctx, nil, events.TargetUpdated, "", "target", "", events.EventPayload{
		"old_target": before.DailyStepTarget,
		"new_target": cfg.DailyStepTarget,
		"height_cm":  cfg.HeightCm,
		"weight_kg":  cfg.WeightKg,
	}); err != nil {
		e.logger().Warn("append event", "type", events.TargetUpdated, "error", err)
	}
	saved, err := e.Targets.Load(ctx)
	if err != nil {
		return domain.TargetConfig{}, err
	}
	e.Activity.Touch()
	return saved, nil
}

// AddChallenge extends the catalog and immediately evaluates it against the
// persisted total so an already reached threshold completes right away.
func (e *Engine) AddChallenge(ctx context.Context, title string, threshold int) (domain.Challenge, []domain.Challenge, error) {
	c, err := e.Challenges.Add(ctx, title, threshold)
	if err != nil {
		return domain.Challenge{}, nil, err
	}
	if err := e.Events.Append(ctx, nil, events.ChallengeAdded, "", "challenge", fmt.Sprint(c.ID), events.EventPayload{
		"title":     c.Title,
		"threshold": c.StepThreshold,
	}); err != nil {
		e.logger().Warn("append event", "type", events.ChallengeAdded, "error", err)
	}
	snap, err := e.Activity.Load(ctx)
	if err != nil {
		return c, nil, err
	}
	newly, err := e.completeChallenges(ctx, "", snap.CumulativeSteps)
	return c, newly, err
}

// EvaluateChallenges re-checks the catalog against the persisted total.
func (e *Engine) EvaluateChallenges(ctx context.Context) ([]domain.Challenge, error) {
	snap, err := e.Activity.Load(ctx)
	if err != nil {
		return nil, err
	}
	return e.completeChallenges(ctx, "", snap.CumulativeSteps)
}

// completeChallenges evaluates the catalog and fans out each new completion.
func (e *Engine) completeChallenges(ctx context.Context, sessionID string, steps int) ([]domain.Challenge, error) {
	newly, err := e.Challenges.Evaluate(ctx, steps)
	if err != nil {
		return nil, fmt.Errorf("evaluate challenges: %w", err)
	}
	for _, c := range newly {
		if err := e.Events.Append(ctx, nil, events.ChallengeCompleted, sessionID, "challenge", fmt.Sprint(c.ID), events.EventPayload{
			"title":     c.Title,
			"threshold": c.StepThreshold,
			"steps":     steps,
		}); err != nil {
			e.logger().Warn("append event", "type", events.ChallengeCompleted, "error", err)
		}
		if e.Ack != nil {
			e.Ack.Acknowledge(ctx, sessionID, c)
		}
	}
	return newly, nil
}

// Active returns the running session, if any.
func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Start subscribes to src and runs a session until Stop, src closes its
// streams, or ctx is cancelled. An unavailable source is reported and leaves
// all persisted values untouched.
func (e *Engine) Start(ctx context.Context, src sensor.Source) (*Session, error) {
	if err := src.Available(ctx); err != nil {
		e.logger().Warn("sensor unavailable", "source", src.Name(), "error", err)
		if aerr := e.Events.Append(ctx, nil, events.SensorUnavailable, "", "sensor", src.Name(), events.EventPayload{"error": err.Error()}); aerr != nil {
			e.logger().Warn("append event", "type", events.SensorUnavailable, "error", aerr)
		}
		return nil, err
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := &Session{
		ID:       uuid.NewString(),
		Source:   src.Name(),
		engine:   e,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	e.active = s
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}
	sub, err := src.Subscribe(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("subscribe %s: %w", src.Name(), err)
	}
	prior, err := e.Activity.StartSession(ctx)
	if err != nil {
		sub.Release()
		release()
		return nil, fmt.Errorf("start session: %w", err)
	}
	s.StartedAt = e.now().UTC()
	s.StartSteps = prior
	s.sub = sub
	if err := e.Repo.InsertSession(ctx, domain.Session{
		ID:         s.ID,
		Source:     s.Source,
		StartedAt:  s.StartedAt.Format(time.RFC3339Nano),
		StartSteps: prior,
	}); err != nil {
		sub.Release()
		e.Activity.EndSession()
		release()
		return nil, fmt.Errorf("record session: %w", err)
	}
	if err := e.Events.Append(ctx, nil, events.SessionStarted, s.ID, "session", s.ID, events.EventPayload{
		"source":      s.Source,
		"start_steps": prior,
	}); err != nil {
		e.logger().Warn("append event", "type", events.SessionStarted, "error", err)
	}
	e.logger().Info("session started", "session", s.ID, "source", s.Source, "start_steps", prior)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(loopCtx, e.Config.TickInterval())
	return s, nil
}

func (e *Engine) finish(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Activity.EndSession()
	stoppedAt := e.now().UTC().Format(time.RFC3339Nano)
	if err := e.Repo.StopSession(ctx, s.ID, stoppedAt); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.logger().Warn("record session stop", "session", s.ID, "error", err)
	}
	snap := e.Activity.Snapshot()
	if err := e.Events.Append(ctx, nil, events.SessionStopped, s.ID, "session", s.ID, events.EventPayload{
		"steps":           snap.CumulativeSteps,
		"elapsed_minutes": e.now().Sub(s.StartedAt).Minutes(),
	}); err != nil {
		e.logger().Warn("append event", "type", events.SessionStopped, "error", err)
	}
	e.mu.Lock()
	if e.active == s {
		e.active = nil
	}
	e.mu.Unlock()
	e.logger().Info("session stopped", "session", s.ID, "steps", snap.CumulativeSteps)
}
