package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quizlive/internal/oplog"
)

// OpStore keeps op log entries in process memory. It is not durable and only
// serves tests and throwaway demo hosts.
type OpStore struct {
	mu      sync.Mutex
	entries map[string]*oplog.Entry
	seq     map[string]int
	next    int
}

func NewOpStore() *OpStore {
	return &OpStore{
		entries: make(map[string]*oplog.Entry),
		seq:     make(map[string]int),
	}
}

func (s *OpStore) Append(_ context.Context, entry oplog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return fmt.Errorf("op %s already stored", entry.ID)
	}
	e := entry
	s.entries[entry.ID] = &e
	s.seq[entry.ID] = s.next
	s.next++
	return nil
}

func (s *OpStore) Pending(_ context.Context, limit int) ([]oplog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oplog.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Synced {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OpStore) MarkSynced(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("op %s not found", id)
	}
	e.Synced = true
	return nil
}

func (s *OpStore) IncrementRetry(_ context.Context, id, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("op %s not found", id)
	}
	e.RetryCount++
	e.LastError = lastErr
	return nil
}

func (s *OpStore) PurgeSynced(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.Synced {
			delete(s.entries, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}
