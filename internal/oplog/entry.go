package oplog

import (
	"context"
	"encoding/json"
	"time"
)

// Operation types understood by the Syncer.
const (
	OpSessionUpsert  = "session.upsert"
	OpSessionArchive = "session.archive"
)

// Entry is one durable, not yet reconciled mutation.
type Entry struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	Synced     bool            `json:"synced"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// Store persists entries. Append must be durable before it returns and
// Pending must return unsynced entries ordered by CreatedAt, oldest first.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkSynced(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id, lastErr string) error
	PurgeSynced(ctx context.Context) (int, error)
}
