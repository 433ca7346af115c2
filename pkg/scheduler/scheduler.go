// Package scheduler runs the event loop: a single background runner that
// scans active events, acknowledges new turns, decides which events need a
// processing pass, and force-closes events that outlive their deadline.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/darwin-ops/brain/pkg/blackboard"
	"github.com/darwin-ops/brain/pkg/broadcast"
	"github.com/darwin-ops/brain/pkg/config"
	"github.com/darwin-ops/brain/pkg/models"
	"github.com/darwin-ops/brain/pkg/registry"
)

// Store is the blackboard subset the scheduler drives.
type Store interface {
	ListActiveEventIDs(ctx context.Context) ([]string, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	AppendTurn(ctx context.Context, id string, turn models.Turn) (int, error)
	MarkTurnsDelivered(ctx context.Context, id string, uptoTurn int) (int, error)
	MarkTurnsEvaluated(ctx context.Context, id string) (int, error)
	SetEventStatus(ctx context.Context, id string, status models.EventStatus, guard *models.EventStatus) error
	SetDeferUntil(ctx context.Context, id string, until *time.Time) error
}

// Processor is the per-event processing entry point. Process must be safe
// to call while a pass for the same event is already running (it returns
// immediately instead of queueing).
type Processor interface {
	Process(ctx context.Context, eventID string)
	WaitingForUser(eventID string) bool
	LastProcessed(eventID string) (time.Time, bool)
	Cancel(eventID string)
}

// AgentPool is the registry subset used to detect an in-flight agent task.
type AgentPool interface {
	GetByEvent(eventID string) *registry.Entry
}

// Scheduler is the single cooperative runner driving all active events.
type Scheduler struct {
	store Store
	proc  Processor
	pool  AgentPool
	sink  broadcast.Sink
	cfg   *config.SchedulerConfig

	stopCh   chan struct{}
	stopOnce sync.Once

	// wg tracks the two loops plus every in-flight processing pass.
	wg sync.WaitGroup

	// firstSeen seeds the idle clock for events the processor has never
	// touched, so a fresh deploy does not reprocess everything at once.
	mu        sync.Mutex
	firstSeen map[string]time.Time
}

// New creates a Scheduler.
func New(store Store, proc Processor, pool AgentPool, sink broadcast.Sink, cfg *config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:     store,
		proc:      proc,
		pool:      pool,
		sink:      sink,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		firstSeen: make(map[string]time.Time),
	}
}

// Start runs the startup migration, then begins the scan loop and the
// cleanup sweep in background goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	s.migrate(ctx)

	s.wg.Add(2)
	go s.run(ctx)
	go s.runCleanup(ctx)
}

// Stop signals the scheduler to stop and waits for the loops and any
// in-flight processing passes to finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// migrate marks every existing turn across all active events as EVALUATED.
// Pre-existing conversation data would otherwise read as a flood of unread
// turns on the first pass after a deploy.
func (s *Scheduler) migrate(ctx context.Context) {
	ids, err := s.store.ListActiveEventIDs(ctx)
	if err != nil {
		slog.Error("Startup migration failed to list active events", "error", err)
		return
	}
	migrated := 0
	for _, id := range ids {
		n, err := s.store.MarkTurnsEvaluated(ctx, id)
		if err != nil {
			slog.Warn("Startup migration failed for event", "event_id", id, "error", err)
			continue
		}
		if n > 0 {
			migrated += n
			s.sink.MessageStatus(id, models.StatusEvaluated, nil)
		}
	}
	slog.Info("Startup migration complete", "events", len(ids), "turns_evaluated", migrated)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	slog.Info("Scheduler started", "scan_interval", s.cfg.ScanInterval)

	for {
		select {
		case <-s.stopCh:
			slog.Info("Scheduler shutting down")
			return
		case <-ctx.Done():
			slog.Info("Context cancelled, scheduler shutting down")
			return
		case <-time.After(s.cfg.ScanInterval):
			s.pass(ctx)
		}
	}
}

// pass is one full scan over the active events.
func (s *Scheduler) pass(ctx context.Context) {
	ids, err := s.store.ListActiveEventIDs(ctx)
	if err != nil {
		slog.Warn("Failed to list active events", "error", err)
		return
	}
	for _, id := range ids {
		s.scanEvent(ctx, id)
	}
}

// scanEvent runs the two-phase scan for one event: phase 1 acknowledges
// freshly appended turns, phase 2 decides whether a processing pass is due,
// and the circuit breaker force-closes events past their deadline.
func (s *Scheduler) scanEvent(ctx context.Context, id string) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		if !errors.Is(err, blackboard.ErrNotFound) {
			slog.Warn("Failed to load event", "event_id", id, "error", err)
		}
		return
	}
	if e.Status.IsTerminal() {
		return
	}

	now := time.Now()

	// Phase 1: acknowledge. Runs even while an agent task is in flight so
	// read receipts stay live for the UI.
	hadUnseen := e.HasUnseen()
	if hadUnseen {
		delivered := sentTurnNumbers(e)
		if _, err := s.store.MarkTurnsDelivered(ctx, id, len(e.Conversation)); err != nil {
			slog.Warn("Failed to mark turns delivered", "event_id", id, "error", err)
		} else {
			s.sink.MessageStatus(id, models.StatusDelivered, delivered)
		}
	}

	// Deferral window. An expired deferral is cleared and processed
	// immediately rather than waiting for the idle safety net.
	deferExpired := false
	if e.DeferUntil != nil {
		if e.DeferUntil.After(now) {
			s.checkTimeout(ctx, e, now)
			return
		}
		deferExpired = true
		if err := s.store.SetDeferUntil(ctx, id, nil); err != nil {
			slog.Warn("Failed to clear expired deferral", "event_id", id, "error", err)
		}
	}

	// Phase 2: evaluate. Skipped while a worker is busy with this event or
	// the event is paused on the user.
	blocked := s.pool.GetByEvent(id) != nil ||
		e.Status == models.EventStatusWaitingApproval ||
		s.proc.WaitingForUser(id)

	if !blocked {
		switch {
		case hadUnseen || e.HasUnread() || deferExpired:
			s.startPass(ctx, id)
		case s.idleFor(id, now) > s.cfg.IdleReprocess:
			slog.Debug("Idle safety net triggered", "event_id", id)
			s.startPass(ctx, id)
		}
	}

	s.checkTimeout(ctx, e, now)
}

// startPass runs a processing pass in its own goroutine: a pass can block
// on a dispatched agent task for minutes, and the scan loop must keep
// acknowledging turns and enforcing timeouts on every other event
// meanwhile. Re-entry on a later tick is a no-op while the pass runs, and
// the busy worker blocks phase 2 for this event.
func (s *Scheduler) startPass(ctx context.Context, id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.proc.Process(ctx, id)
	}()
}

// idleFor returns how long the event has gone without a processing pass.
// Events the processor has never touched are clocked from first sight.
func (s *Scheduler) idleFor(id string, now time.Time) time.Duration {
	if last, ok := s.proc.LastProcessed(id); ok {
		return now.Sub(last)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.firstSeen[id]
	if !ok {
		s.firstSeen[id] = now
		return 0
	}
	return now.Sub(seen)
}

// checkTimeout is the circuit breaker: events past their deadline are
// force-closed. A fresh agent result grants a grace extension so an event
// is never killed while the LLM is plausibly about to evaluate new input.
func (s *Scheduler) checkTimeout(ctx context.Context, e *models.Event, now time.Time) {
	if e.FirstTurnAt == nil {
		return
	}
	deadline := e.FirstTurnAt.Add(s.cfg.MaxEventDuration)
	if last := e.LastAgentResultAt(); !last.IsZero() && now.Sub(last) < s.cfg.GraceSeconds {
		deadline = deadline.Add(s.cfg.GraceExtension)
	}
	if now.After(deadline) {
		s.forceClose(ctx, e.ID, "event exceeded maximum duration")
	}
}

// forceClose cancels any in-flight processing for the event, records a
// system close turn, and transitions the event to CLOSED.
func (s *Scheduler) forceClose(ctx context.Context, id, reason string) {
	slog.Warn("Force-closing event", "event_id", id, "reason", reason)
	s.proc.Cancel(id)

	if _, err := s.store.AppendTurn(ctx, id, models.Turn{
		Actor:  models.ActorSystem,
		Action: models.ActionClose,
		Result: reason,
	}); err != nil && !errors.Is(err, blackboard.ErrClosed) {
		slog.Warn("Failed to append force-close turn", "event_id", id, "error", err)
	}

	err := s.store.SetEventStatus(ctx, id, models.EventStatusClosed, nil)
	switch {
	case err == nil:
		s.sink.EventClosed(id)
		s.forget(id)
	case errors.Is(err, blackboard.ErrInvalidTransition):
		// Already closed by another path.
		s.forget(id)
	default:
		slog.Error("Failed to force-close event", "event_id", id, "error", err)
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firstSeen, id)
}

// runCleanup is the hard-ceiling sweep: regardless of activity or grace,
// events older than the ceiling are force-closed. Last-ditch defense
// against runaway state machines.
func (s *Scheduler) runCleanup(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.CleanupInterval):
			s.cleanupPass(ctx)
		}
	}
}

func (s *Scheduler) cleanupPass(ctx context.Context) {
	ids, err := s.store.ListActiveEventIDs(ctx)
	if err != nil {
		slog.Warn("Cleanup failed to list active events", "error", err)
		return
	}
	ceiling := s.cfg.MaxEventDuration + s.cfg.GraceExtension
	now := time.Now()
	for _, id := range ids {
		e, err := s.store.GetEvent(ctx, id)
		if err != nil || e.Status.IsTerminal() {
			continue
		}
		if now.Sub(e.CreatedAt) > ceiling {
			s.forceClose(ctx, id, "event exceeded hard age ceiling")
		}
	}
}

// sentTurnNumbers lists the turn numbers currently in SENT, for the
// delivered broadcast.
func sentTurnNumbers(e *models.Event) []int {
	var nums []int
	for i := range e.Conversation {
		if e.Conversation[i].Status == models.StatusSent {
			nums = append(nums, e.Conversation[i].Turn)
		}
	}
	return nums
}
