package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quizlive/internal/app"
	"quizlive/internal/config"
	"quizlive/internal/infra/memory"
	natsstore "quizlive/internal/infra/nats"
	"quizlive/internal/infra/postgres"
	redisstore "quizlive/internal/infra/redis"
	"quizlive/internal/infra/sqlite"
	"quizlive/internal/oplog"
)

// backends holds the storage wiring chosen by config and the clean-ups
// to run on exit, in reverse order.
type backends struct {
	redis    *redis.Client
	opStore  oplog.Store
	remote   oplog.RemoteStore
	quizzes  app.QuizRepository
	codes    app.JoinCodeReserver
	closers  []func()
	clock    clockwork.Clock
	syncConf oplog.SyncerConfig
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func (b *backends) onClose(fn func()) {
	b.closers = append(b.closers, fn)
}

func (b *backends) redisClient(cfg config.Config) *redis.Client {
	if b.redis == nil && cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client := b.redis
		b.onClose(func() { _ = client.Close() })
	}
	return b.redis
}

// openSyncBackends wires the op log and the remote store.
func openSyncBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{clock: clockwork.NewRealClock()}
	def := oplog.DefaultSyncerConfig()
	b.syncConf = oplog.SyncerConfig{
		BatchSize:  cfg.Sync.BatchSize,
		Interval:   config.Duration(cfg.Sync.Interval, def.Interval),
		MaxBackoff: config.Duration(cfg.Sync.MaxBackoff, def.MaxBackoff),
	}

	if err := b.openOpStore(cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openRemote(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// openHostBackends adds quiz loading and join code reservation.
func openHostBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b, err := openSyncBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var loader memory.QuizLoader
	if cfg.Postgres.URL != "" && cfg.Quiz.Dir == "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect quiz database: %w", err)
		}
		b.onClose(pool.Close)
		loader = postgres.NewQuizLoader(pool)
	} else {
		dir := cfg.Quiz.Dir
		if dir == "" {
			dir = "quizzes"
		}
		loader = memory.NewDirQuizLoader(dir)
	}

	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	if client := b.redisClient(cfg); client != nil {
		b.quizzes = redisstore.NewQuizRepository(client, loader, quizTTL)
		b.codes = redisstore.NewJoinCodes(client, config.Duration(cfg.Redis.TTL, 12*time.Hour))
	} else {
		b.quizzes = memory.NewQuizRepositoryWithClock(loader, quizTTL, b.clock)
		b.codes = memory.NewJoinCodes()
	}
	return b, nil
}

func (b *backends) openOpStore(cfg config.Config) error {
	switch cfg.Oplog.Backend {
	case "", "sqlite":
		path := cfg.Oplog.Path
		if path == "" {
			path = filepath.Join("data", "oplog.db")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create op log dir: %w", err)
			}
		}
		store, err := sqlite.NewOpStore(path)
		if err != nil {
			return err
		}
		b.onClose(func() { _ = store.Close() })
		b.opStore = store
	case "redis":
		client := b.redisClient(cfg)
		if client == nil {
			return fmt.Errorf("oplog backend redis needs redis.addr")
		}
		b.opStore = redisstore.NewOpStore(client)
	case "memory":
		log.Warn().Msg("op log kept in memory; unsynced results are lost on exit")
		b.opStore = memory.NewOpStore()
	default:
		return fmt.Errorf("unknown oplog backend %q", cfg.Oplog.Backend)
	}
	return nil
}

func (b *backends) openRemote(ctx context.Context, cfg config.Config) error {
	switch cfg.Sync.Remote {
	case "":
		log.Info().Msg("no remote store configured; results stay in the local op log")
	case "postgres":
		if cfg.Postgres.URL == "" {
			return fmt.Errorf("sync remote postgres needs postgres.url")
		}
		db := postgres.Open(cfg.Postgres.URL)
		b.onClose(func() { _ = db.Close() })
		b.remote = postgres.NewRemoteStore(db)
	case "nats":
		natsCfg := natsstore.DefaultConfig()
		if cfg.NATS.URL != "" {
			natsCfg.URL = cfg.NATS.URL
		}
		if cfg.NATS.Stream != "" {
			natsCfg.StreamName = cfg.NATS.Stream
		}
		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		natsCfg.DuplicateWindow = config.Duration(cfg.NATS.DuplicateWindow, natsCfg.DuplicateWindow)
		store, err := natsstore.Connect(ctx, natsCfg)
		if err != nil {
			return err
		}
		b.onClose(func() { _ = store.Close() })
		b.remote = store
	default:
		return fmt.Errorf("unknown sync remote %q", cfg.Sync.Remote)
	}
	return nil
}

// syncer returns nil when there is nothing to sync against.
func (b *backends) syncer() *oplog.Syncer {
	if b.remote == nil {
		return nil
	}
	return oplog.NewSyncer(b.opStore, b.remote, b.syncConf, b.clock)
}
