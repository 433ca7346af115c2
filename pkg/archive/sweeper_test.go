package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/darwin-ops/brain/pkg/blackboard"
	"github.com/darwin-ops/brain/pkg/models"
)

// fakeBoard serves closed events with scripted close times.
type fakeBoard struct {
	mu       sync.Mutex
	events   map[string]*models.Event
	closedAt map[string]time.Time
	removed  []string
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		events:   make(map[string]*models.Event),
		closedAt: make(map[string]time.Time),
	}
}

func (b *fakeBoard) add(id string, closedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[id] = &models.Event{ID: id, Status: models.EventStatusClosed}
	b.closedAt[id] = closedAt
}

func (b *fakeBoard) GetEvent(_ context.Context, id string) (*models.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.events[id]
	if !ok {
		return nil, blackboard.ErrNotFound
	}
	return e, nil
}

func (b *fakeBoard) ListClosedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, at := range b.closedAt {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *fakeBoard) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, id)
	delete(b.closedAt, id)
	b.removed = append(b.removed, id)
	return nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	stored []string
}

func (s *fakeEventStore) StoreEvent(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, e.ID)
	return nil
}

func TestSweepArchivesAndEnforcesRetention(t *testing.T) {
	board := newFakeBoard()
	store := &fakeEventStore{}
	board.add("ev-fresh", time.Now().Add(-time.Hour))
	board.add("ev-expired", time.Now().Add(-8*24*time.Hour))

	s := NewSweeper(board, store, 7*24*time.Hour, time.Minute)
	s.sweep(context.Background())

	// Both closed events are archived; only the expired one is removed.
	assert.ElementsMatch(t, []string{"ev-fresh", "ev-expired"}, store.stored)
	assert.Equal(t, []string{"ev-expired"}, board.removed)
}

func TestSweepWithoutArchiveOnlyRemoves(t *testing.T) {
	board := newFakeBoard()
	board.add("ev-expired", time.Now().Add(-8*24*time.Hour))

	s := NewSweeper(board, nil, 7*24*time.Hour, time.Minute)
	s.sweep(context.Background())

	assert.Equal(t, []string{"ev-expired"}, board.removed)
}

func TestSweeperStartStop(t *testing.T) {
	s := NewSweeper(newFakeBoard(), nil, time.Hour, time.Hour)
	s.Start(context.Background())
	s.Stop()
	assert.NotPanics(t, s.Stop)
}
