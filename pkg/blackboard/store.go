package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/darwin-ops/brain/pkg/models"
)

// Redis key layout. The event document is a JSON blob; the active set and
// closed zset are secondary indexes maintained in the same transaction as
// the document write.
const (
	keyPrefix    = "brain:event:"
	keyActiveSet = "brain:events:active"
	keyClosedSet = "brain:events:closed"
)

// casMaxRetries bounds WATCH conflict retries per operation. Conflicts are
// short-lived (another writer touched the same event); anything persistent
// is a real outage and surfaces as ErrStorageUnavailable.
const casMaxRetries = 5

// Store is the Redis-backed blackboard.
type Store struct {
	rdb *redis.Client
}

// New creates a Store on an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func eventKey(id string) string { return keyPrefix + id }

// CreateEvent stores a new event document and indexes it as active.
// Status defaults to NEW and CreatedAt to now when unset.
func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Status == "" {
		e.Status = models.EventStatusNew
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}

	ok, err := s.rdb.SetNX(ctx, eventKey(e.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, e.ID)
	}
	if err := s.rdb.SAdd(ctx, keyActiveSet, e.ID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// GetEvent loads an event document.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var e models.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", id, err)
	}
	return &e, nil
}

// ListActiveEventIDs returns the IDs of all non-terminal events. Cheap: a
// single SMEMBERS against the active index.
func (s *Store) ListActiveEventIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyActiveSet).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return ids, nil
}

// AppendTurn atomically assigns the next turn index and appends the turn.
// Returns the assigned number. Rejected with ErrClosed on a CLOSED event.
func (s *Store) AppendTurn(ctx context.Context, id string, turn models.Turn) (int, error) {
	var assigned int
	err := s.atomicUpdate(ctx, id, func(e *models.Event) error {
		n, err := appendTurn(e, turn, time.Now().UTC())
		if err != nil {
			return err
		}
		assigned = n
		return nil
	})
	return assigned, err
}

// MarkTurnsDelivered advances every SENT turn with index ≤ uptoTurn to
// DELIVERED. Returns the number of turns advanced; zero advances skip the
// write entirely.
func (s *Store) MarkTurnsDelivered(ctx context.Context, id string, uptoTurn int) (int, error) {
	var count int
	err := s.atomicUpdate(ctx, id, func(e *models.Event) error {
		count = markTurnsDelivered(e, uptoTurn)
		if count == 0 {
			return errNoChange
		}
		return nil
	})
	return count, err
}

// MarkTurnsEvaluated advances every non-EVALUATED turn to EVALUATED.
func (s *Store) MarkTurnsEvaluated(ctx context.Context, id string) (int, error) {
	var count int
	err := s.atomicUpdate(ctx, id, func(e *models.Event) error {
		count = markTurnsEvaluated(e)
		if count == 0 {
			return errNoChange
		}
		return nil
	})
	return count, err
}

// MarkTurnStatus advances a single turn's status. Monotonic: a target at or
// below the current status is a successful no-op.
func (s *Store) MarkTurnStatus(ctx context.Context, id string, turnNumber int, status models.MessageStatus) error {
	return s.atomicUpdate(ctx, id, func(e *models.Event) error {
		return markTurnStatus(e, turnNumber, status)
	})
}

// SetEventStatus transitions the event status. When guard is non-nil the
// transition only succeeds if the current status equals it (optimistic CAS).
func (s *Store) SetEventStatus(ctx context.Context, id string, status models.EventStatus, guard *models.EventStatus) error {
	return s.atomicUpdate(ctx, id, func(e *models.Event) error {
		return setEventStatus(e, status, guard)
	})
}

// SetDeferUntil sets (or clears, with nil) the defer timestamp.
func (s *Store) SetDeferUntil(ctx context.Context, id string, until *time.Time) error {
	return s.atomicUpdate(ctx, id, func(e *models.Event) error {
		e.DeferUntil = until
		return nil
	})
}

// ListClosedBefore returns IDs of closed events whose close time is before
// the cutoff. Used by the retention sweep.
func (s *Store) ListClosedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, keyClosedSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return ids, nil
}

// Remove deletes an event document and its index entries. Only called by
// the retention sweep after archival.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, eventKey(id))
		pipe.SRem(ctx, keyActiveSet, id)
		pipe.ZRem(ctx, keyClosedSet, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// errNoChange signals that a mutation left the document untouched; the
// write (and the WATCH transaction) is skipped.
var errNoChange = errors.New("no change")

// atomicUpdate is the read-modify-write primitive. It loads the document
// under WATCH, applies fn, and writes the result in a MULTI/EXEC that
// aborts if another writer touched the key. CAS conflicts and transient
// errors retry with exponential backoff up to casMaxRetries; domain errors
// from fn propagate unchanged.
func (s *Store) atomicUpdate(ctx context.Context, id string, fn func(*models.Event) error) error {
	key := eventKey(id)

	op := func() error {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, id))
			}
			if err != nil {
				return err
			}
			var e models.Event
			if err := json.Unmarshal(data, &e); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to unmarshal event %s: %w", id, err))
			}

			wasTerminal := e.Status.IsTerminal()
			if err := fn(&e); err != nil {
				return backoff.Permanent(err)
			}

			updated, err := json.Marshal(&e)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to marshal event %s: %w", id, err))
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				if e.Status.IsTerminal() && !wasTerminal {
					pipe.SRem(ctx, keyActiveSet, id)
					pipe.ZAdd(ctx, keyClosedSet, redis.Z{Score: float64(time.Now().Unix()), Member: id})
				}
				return nil
			})
			return err
		}, key)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), casMaxRetries), ctx)
	err := backoff.Retry(op, bo)
	if err == nil || errors.Is(err, errNoChange) {
		return nil
	}
	// Domain errors pass through; everything else means the store is down.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	slog.Warn("Blackboard update failed after retries", "event_id", id, "error", err)
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
