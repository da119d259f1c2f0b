package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var ErrEmptyType = errors.New("op type must not be empty")

// Queue is the write side of the op log. Enqueue and the Syncer's drain use
// separate locks, so sessions keep enqueueing while a sync pass runs.
type Queue struct {
	store Store
	clock clockwork.Clock

	mu sync.Mutex
}

func NewQueue(store Store, clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{store: store, clock: clock}
}

// Enqueue serializes payload and appends it as an unsynced entry.
func (q *Queue) Enqueue(ctx context.Context, opType string, payload any) (Entry, error) {
	if opType == "" {
		return Entry{}, ErrEmptyType
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", opType, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	entry := Entry{
		ID:        uuid.NewString(),
		Type:      opType,
		Payload:   raw,
		CreatedAt: q.clock.Now().UTC(),
	}
	if err := q.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", opType, err)
	}
	return entry, nil
}

// Pending returns up to limit unsynced entries, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return q.store.Pending(ctx, limit)
}
