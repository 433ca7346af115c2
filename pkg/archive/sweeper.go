package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/darwin-ops/brain/pkg/models"
)

// Blackboard is the store subset the retention sweep drives.
type Blackboard interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Remove(ctx context.Context, id string) error
}

// EventStore is where swept events land. Nil disables copying; the sweep
// then only enforces retention.
type EventStore interface {
	StoreEvent(ctx context.Context, e *models.Event) error
}

// Sweeper periodically copies closed events to the archive and removes
// blackboard documents past the retention window.
type Sweeper struct {
	board     Blackboard
	store     EventStore
	retention time.Duration
	interval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper. store may be nil (archive disabled).
func NewSweeper(board Blackboard, store EventStore, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		board:     board,
		store:     store,
		retention: retention,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the sweeper to stop and waits for it to finish. Safe to
// call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	slog.Info("Retention sweeper started", "retention", s.retention, "interval", s.interval)

	for {
		select {
		case <-s.stopCh:
			slog.Info("Retention sweeper shutting down")
			return
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass: archive every closed event, then drop blackboard
// documents whose close time is past the retention window.
func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	if s.store != nil {
		ids, err := s.board.ListClosedBefore(ctx, now)
		if err != nil {
			slog.Warn("Sweep failed to list closed events", "error", err)
			return
		}
		for _, id := range ids {
			e, err := s.board.GetEvent(ctx, id)
			if err != nil {
				slog.Warn("Sweep failed to load closed event", "event_id", id, "error", err)
				continue
			}
			if err := s.store.StoreEvent(ctx, e); err != nil {
				slog.Warn("Sweep failed to archive event", "event_id", id, "error", err)
			}
		}
	}

	expired, err := s.board.ListClosedBefore(ctx, now.Add(-s.retention))
	if err != nil {
		slog.Warn("Sweep failed to list expired events", "error", err)
		return
	}
	removed := 0
	for _, id := range expired {
		if err := s.board.Remove(ctx, id); err != nil {
			slog.Warn("Sweep failed to remove expired event", "event_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention sweep removed expired events", "count", removed)
	}
}
