// Package queue drives enrichment tasks: it claims pending tasks from the
// record store, runs them on a bounded worker pool and decides between
// completion, backoff and failure from the provider's error class.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

// maxClaimRetries bounds local retries of a claim that hit a write conflict.
const maxClaimRetries = 3

// ErrPermanent marks a handler error that must fail the task even though it
// did not come from the provider.
var ErrPermanent = errors.New("permanent task error")

// Store is the subset of the record store the scheduler needs.
type Store interface {
	EnqueueTask(ctx context.Context, ideaID string, typ storage.TaskType) (storage.Task, error)
	ClaimTasks(ctx context.Context, n int, now time.Time) ([]storage.Task, error)
	CompleteTask(ctx context.Context, id, result string) error
	RetryTask(ctx context.Context, id, errMsg string, nextAttempt time.Time) error
	FailTask(ctx context.Context, id, errMsg string) error
	ResetProcessing(ctx context.Context, id string) error
	ReleaseBackoff(ctx context.Context, now time.Time) (int64, error)
}

// Outcome is what a handler reports for a finished task.
type Outcome struct {
	Result string
	// Committed means the handler already completed the task inside its own
	// store transaction.
	Committed bool
}

// Handler runs one claimed task. Provider errors are retried or failed by
// their class. storage.ErrNotFound and ErrPermanent fail the task; any other
// error (a busy store, a timeout on local I/O) keeps it pending.
type Handler func(ctx context.Context, t storage.Task) (Outcome, error)

// EventKind names scheduler events.
type EventKind string

const (
	EventTaskCompleted EventKind = "task_completed"
	EventTaskRetrying  EventKind = "task_retrying"
	EventTaskFailed    EventKind = "task_failed"
	EventModeChanged   EventKind = "mode_changed"
)

// Event is published to subscribers after every task outcome and every mode
// transition.
type Event struct {
	Kind     EventKind        `json:"kind"`
	TaskID   string           `json:"task_id,omitempty"`
	IdeaID   string           `json:"idea_id,omitempty"`
	TaskType storage.TaskType `json:"task_type,omitempty"`
	Result   string           `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Mode     string           `json:"mode,omitempty"`
	At       time.Time        `json:"at"`
}

// Config tunes the scheduler. Zero fields take the defaults below.
type Config struct {
	Concurrency    int
	BatchSize      int
	PollInterval   time.Duration
	ProbeInterval  time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	OfflineStrikes int
	CallTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Minute
	}
	if c.OfflineStrikes <= 0 {
		c.OfflineStrikes = DefaultOfflineStrikes
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	return c
}

// Scheduler claims and dispatches tasks.
type Scheduler struct {
	store    Store
	prober   provider.Prober
	avail    *Availability
	cfg      Config
	handlers map[storage.TaskType]Handler
	logger   *slog.Logger
	wake     chan struct{}

	// now is the scheduler clock; tests replace it.
	now func() time.Time

	mu     sync.Mutex
	subs   []func(Event)
	active int
}

func New(store Store, prober provider.Prober, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		store:    store,
		prober:   prober,
		avail:    NewAvailability(cfg.OfflineStrikes),
		cfg:      cfg,
		handlers: map[storage.TaskType]Handler{},
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.avail.Subscribe(func(t Transition) {
		s.publish(Event{Kind: EventModeChanged, Mode: t.To.String(), At: t.At})
	})
	return s
}

// Handle registers the handler for a task type.
func (s *Scheduler) Handle(typ storage.TaskType, h Handler) {
	s.handlers[typ] = h
}

// Subscribe registers fn for scheduler events.
func (s *Scheduler) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Scheduler) publish(e Event) {
	s.mu.Lock()
	subs := append(([]func(Event))(nil), s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (s *Scheduler) Availability() *Availability { return s.avail }

// Active returns the number of tasks currently executing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wake shortens the current poll wait. Callers use it after writing tasks
// directly through the store.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a pending task and wakes the loop.
func (s *Scheduler) Enqueue(ctx context.Context, ideaID string, typ storage.TaskType) (string, error) {
	t, err := s.store.EnqueueTask(ctx, ideaID, typ)
	if err != nil {
		return "", err
	}
	s.Wake()
	return t.ID, nil
}

// DequeueBatch claims up to n eligible tasks. It returns nothing while the
// provider is offline. Write conflicts are retried a few times before the
// error is returned.
func (s *Scheduler) DequeueBatch(ctx context.Context, n int) ([]storage.Task, error) {
	if s.avail.Mode() == ModeOffline {
		return nil, nil
	}
	var lastErr error
	for range maxClaimRetries {
		tasks, err := s.store.ClaimTasks(ctx, n, s.now())
		if err == nil {
			return tasks, nil
		}
		if !errors.Is(err, storage.ErrWriteConflict) {
			return nil, fmt.Errorf("claiming tasks: %w", err)
		}
		lastErr = err
		s.logger.Debug("claim conflict, retrying")
	}
	return nil, fmt.Errorf("claiming tasks: %w", lastErr)
}

// Complete marks a processing task completed.
func (s *Scheduler) Complete(ctx context.Context, t storage.Task, result string) error {
	if err := s.store.CompleteTask(ctx, t.ID, result); err != nil {
		return fmt.Errorf("completing task %s: %w", t.ID, err)
	}
	s.avail.RecordSuccess()
	s.publish(Event{Kind: EventTaskCompleted, TaskID: t.ID, IdeaID: t.IdeaID, TaskType: t.Type, Result: result, At: s.now()})
	return nil
}

// Fail records a task error. Retryable errors send the task back to pending
// with exponential backoff, and provider unavailability also counts a
// strike. Everything else fails the task terminally.
func (s *Scheduler) Fail(ctx context.Context, t storage.Task, taskErr error) error {
	ev := Event{TaskID: t.ID, IdeaID: t.IdeaID, TaskType: t.Type, Error: taskErr.Error(), At: s.now()}
	if retryable(taskErr) {
		attempt := t.AttemptCount + 1
		next := s.now().Add(Backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt))
		if err := s.store.RetryTask(ctx, t.ID, taskErr.Error(), next); err != nil {
			return fmt.Errorf("rescheduling task %s: %w", t.ID, err)
		}
		s.logger.Warn("task deferred", "task_id", t.ID, "idea_id", t.IdeaID, "task_type", t.Type,
			"attempt", attempt, "next_attempt_at", next, "error", taskErr)
		if provider.IsUnavailable(taskErr) {
			s.avail.RecordFailure()
		}
		ev.Kind = EventTaskRetrying
		s.publish(ev)
		return nil
	}
	if err := s.store.FailTask(ctx, t.ID, taskErr.Error()); err != nil {
		return fmt.Errorf("failing task %s: %w", t.ID, err)
	}
	s.logger.Warn("task failed", "task_id", t.ID, "idea_id", t.IdeaID, "task_type", t.Type, "error", taskErr)
	ev.Kind = EventTaskFailed
	s.publish(ev)
	return nil
}

// MarkProviderDown switches to offline mode immediately.
func (s *Scheduler) MarkProviderDown(reason string) {
	s.avail.MarkDown(reason)
}

// MarkProviderUp switches to online mode and releases every backoff window,
// so the backlog drains in creation order.
func (s *Scheduler) MarkProviderUp(ctx context.Context) error {
	changed := s.avail.MarkUp("probe succeeded")
	if !changed {
		return nil
	}
	n, err := s.store.ReleaseBackoff(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("backlog released", "tasks", n)
	}
	s.Wake()
	return nil
}

// Probe checks the provider and switches online on success. It reports
// whether the provider answered.
func (s *Scheduler) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.prober.Probe(pctx); err != nil {
		s.logger.Debug("provider probe failed", "error", err)
		return false
	}
	if err := s.MarkProviderUp(ctx); err != nil {
		s.logger.Error("releasing backlog", "error", err)
	}
	return true
}

// Run processes tasks until ctx is cancelled. While offline it only probes.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "concurrency", s.cfg.Concurrency, "batch_size", s.cfg.BatchSize)
	for {
		if ctx.Err() != nil {
			return
		}

		if s.avail.Mode() == ModeOffline {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ProbeInterval):
			}
			s.Probe(ctx)
			continue
		}

		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("scheduler iteration failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and runs it to completion. It returns the number
// of tasks claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	tasks, err := s.DequeueBatch(ctx, s.cfg.BatchSize)
	if err != nil || len(tasks) == 0 {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			s.execute(ctx, t)
			return nil
		})
	}
	g.Wait()
	return len(tasks), nil
}

// execute runs one claimed task. Shutdown does not interrupt a running
// task; only the call timeout does.
func (s *Scheduler) execute(ctx context.Context, t storage.Task) {
	base := context.WithoutCancel(ctx)

	if s.avail.Mode() == ModeOffline {
		// Went offline after the claim; hand the task back untouched.
		s.bookkeep(base, t, func(bctx context.Context) error { return s.store.ResetProcessing(bctx, t.ID) })
		return
	}

	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	out, err := s.invoke(base, t)
	switch {
	case err != nil:
		s.bookkeep(base, t, func(bctx context.Context) error { return s.Fail(bctx, t, err) })
	case out.Committed:
		s.avail.RecordSuccess()
		s.publish(Event{Kind: EventTaskCompleted, TaskID: t.ID, IdeaID: t.IdeaID, TaskType: t.Type, Result: out.Result, At: s.now()})
	default:
		s.bookkeep(base, t, func(bctx context.Context) error { return s.Complete(bctx, t, out.Result) })
	}
}

func (s *Scheduler) invoke(ctx context.Context, t storage.Task) (out Outcome, err error) {
	h, ok := s.handlers[t.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("no handler for task type %q: %w", t.Type, ErrPermanent)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task handler panicked", "task_id", t.ID, "task_type", t.Type, "panic", r, "stack", string(debug.Stack()))
			out, err = Outcome{}, fmt.Errorf("handler panic: %v: %w", r, ErrPermanent)
		}
	}()
	return h(ctx, t)
}

func (s *Scheduler) bookkeep(ctx context.Context, t storage.Task, fn func(context.Context) error) {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := fn(bctx); err != nil {
		s.logger.Error("recording task outcome", "task_id", t.ID, "idea_id", t.IdeaID, "error", err)
	}
}

func retryable(err error) bool {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return provider.IsRetryable(err)
	}
	return !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, ErrPermanent)
}
