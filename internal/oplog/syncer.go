package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrRejected marks a remote error that will not go away by retrying soon,
// such as a malformed payload. The entry stays queued but the pass moves on.
var ErrRejected = errors.New("remote rejected mutation")

// RemoteStore is the reconciliation target. Both calls must be idempotent:
// the Syncer delivers at least once.
type RemoteStore interface {
	Upsert(ctx context.Context, record SessionRecord) error
	Archive(ctx context.Context, sessionID string, archivedAt time.Time) error
}

// SyncerConfig tunes the drain loop.
type SyncerConfig struct {
	BatchSize  int
	Interval   time.Duration
	MaxBackoff time.Duration
}

func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		BatchSize:  50,
		Interval:   30 * time.Second,
		MaxBackoff: 5 * time.Minute,
	}
}

// PassResult summarizes one SyncOnce call.
type PassResult struct {
	Synced int
	Failed int
	Purged int
	// More is set when a full batch went through and more entries may wait.
	More bool
}

// Syncer drains the op log against a RemoteStore one entry at a time.
type Syncer struct {
	store  Store
	remote RemoteStore
	cfg    SyncerConfig
	clock  clockwork.Clock

	mu      sync.Mutex
	trigger chan struct{}
}

func NewSyncer(store Store, remote RemoteStore, cfg SyncerConfig, clock clockwork.Clock) *Syncer {
	def := DefaultSyncerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Syncer{
		store:   store,
		remote:  remote,
		cfg:     cfg,
		clock:   clock,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks a running loop to start a pass now.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SyncOnce drains up to one batch of pending entries in FIFO order. A remote
// error that is not ErrRejected means the remote is unreachable: the pass
// stops there and the error is returned so later entries never overtake
// earlier ones. When a whole batch is rejected the pass reads further so the
// entries behind it still sync. Failed entries are never deleted.
func (s *Syncer) SyncOnce(ctx context.Context) (PassResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res     PassResult
		passErr error
		full    bool
	)
	seen := make(map[string]struct{})
	for limit := s.cfg.BatchSize; ; limit += s.cfg.BatchSize {
		entries, err := s.store.Pending(ctx, limit)
		if err != nil {
			return res, fmt.Errorf("load pending ops: %w", err)
		}
		full = len(entries) == limit

		attempted, rejected := 0, 0
		for _, entry := range entries {
			if _, ok := seen[entry.ID]; ok {
				continue
			}
			seen[entry.ID] = struct{}{}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			attempted++
			applyErr := s.apply(ctx, entry)
			if applyErr == nil {
				if err := s.store.MarkSynced(ctx, entry.ID); err != nil {
					return res, fmt.Errorf("mark %s synced: %w", entry.ID, err)
				}
				res.Synced++
				continue
			}

			res.Failed++
			if err := s.store.IncrementRetry(ctx, entry.ID, applyErr.Error()); err != nil {
				return res, fmt.Errorf("record retry of %s: %w", entry.ID, err)
			}
			logger := log.Warn().
				Err(applyErr).
				Str("entry_id", entry.ID).
				Str("op_type", entry.Type).
				Int("retry_count", entry.RetryCount+1)
			if errors.Is(applyErr, ErrRejected) {
				rejected++
				logger.Msg("remote rejected op, keeping it queued")
				continue
			}
			logger.Msg("remote unreachable, stopping sync pass")
			passErr = applyErr
			break
		}
		// Read past a batch only while everything in it was rejected, so
		// synced entries never shift the window.
		if passErr != nil || !full || attempted == 0 || rejected != attempted {
			break
		}
	}
	res.More = passErr == nil && res.Synced > 0 && full

	purged, err := s.store.PurgeSynced(ctx)
	if err != nil {
		return res, fmt.Errorf("purge synced ops: %w", err)
	}
	res.Purged = purged

	if res.Synced > 0 || res.Failed > 0 {
		log.Info().
			Int("synced", res.Synced).
			Int("failed", res.Failed).
			Int("purged", res.Purged).
			Msg("sync pass finished")
	}
	return res, passErr
}

func (s *Syncer) apply(ctx context.Context, entry Entry) error {
	switch entry.Type {
	case OpSessionUpsert:
		record, err := DecodeSessionRecord(entry.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return s.remote.Upsert(ctx, record)
	case OpSessionArchive:
		var req ArchiveRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil || req.SessionID == "" {
			return fmt.Errorf("%w: invalid archive payload", ErrRejected)
		}
		return s.remote.Archive(ctx, req.SessionID, req.ArchivedAt)
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrRejected, entry.Type)
	}
}

// Run syncs on every interval tick or Trigger until ctx is done. While the
// remote is unreachable the wait grows exponentially up to MaxBackoff.
func (s *Syncer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Interval
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	log.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("op syncer started")

	wait := time.Duration(0)
	for {
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("op syncer stopped")
			return nil
		case <-s.trigger:
			timer.Stop()
		case <-timer.Chan():
		}

		res, err := s.SyncOnce(ctx)
		switch {
		case err == nil:
			bo.Reset()
			wait = s.cfg.Interval
			if res.More {
				wait = 0
			}
		case ctx.Err() != nil:
			continue
		default:
			wait = bo.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("sync pass failed")
		}
	}
}
