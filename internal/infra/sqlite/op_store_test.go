package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"quizlive/internal/oplog"
)

func newTestStore(t *testing.T, path string) *OpStore {
	t.Helper()
	store, err := NewOpStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func entry(id string, at time.Time) oplog.Entry {
	return oplog.Entry{
		ID:        id,
		Type:      oplog.OpSessionUpsert,
		Payload:   json.RawMessage(`{"schemaVersion":1,"sessionId":"` + id + `"}`),
		CreatedAt: at,
	}
}

func TestOpStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oplog.db")
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	store := newTestStore(t, path)
	if err := store.Append(ctx, entry("e1", base)); err != nil {
		t.Fatalf("append: %v", err)
	}
	// simulated crash: drop the handle without any flush
	_ = store.Close()

	reopened := newTestStore(t, path)
	defer reopened.Close()
	pending, err := reopened.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "e1" || !pending[0].CreatedAt.Equal(base) {
		t.Fatalf("expected e1 after restart, got %+v", pending)
	}
	if string(pending[0].Payload) != `{"schemaVersion":1,"sessionId":"e1"}` {
		t.Fatalf("payload changed: %s", pending[0].Payload)
	}
}

func TestOpStorePendingOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, filepath.Join(t.TempDir(), "oplog.db"))
	defer store.Close()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, entry("late", base.Add(2*time.Second)))
	_ = store.Append(ctx, entry("early", base))
	_ = store.Append(ctx, entry("tie", base))

	pending, err := store.Pending(ctx, 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "early" || pending[1].ID != "tie" {
		t.Fatalf("unexpected order %+v", pending)
	}
}

func TestOpStoreRetryAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, filepath.Join(t.TempDir(), "oplog.db"))
	defer store.Close()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, entry("e1", base))
	_ = store.Append(ctx, entry("e2", base.Add(time.Second)))

	if err := store.IncrementRetry(ctx, "e1", "timeout"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := store.MarkSynced(ctx, "e2"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	pending, _ := store.Pending(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "e1" || pending[0].RetryCount != 1 || pending[0].LastError != "timeout" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	n, err := store.PurgeSynced(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if err := store.MarkSynced(ctx, "e2"); !errors.Is(err, errOpNotFound) {
		t.Fatalf("purged entry must be gone, got %v", err)
	}
}
