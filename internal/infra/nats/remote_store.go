// Package nats relays reconciliation mutations to a NATS JetStream stream for
// a downstream consumer that owns the remote store.
package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"quizlive/internal/oplog"
)

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "QUIZLIVE_SESSIONS",
		SubjectPrefix:   "quizlive.sessions",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          30 * 24 * time.Hour,
		DuplicateWindow: 24 * time.Hour,
	}
}

// publisher is the part of jetstream.JetStream the store needs.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// RemoteStore implements oplog.RemoteStore by publishing each mutation with a
// message id derived from its content, so the stream drops replays inside the
// duplicate window and consumers apply upserts by session id.
type RemoteStore struct {
	nc     *nats.Conn
	js     publisher
	config Config
}

// Envelope is the published message body.
type Envelope struct {
	Op         string               `json:"op"`
	SessionID  string               `json:"sessionId"`
	Record     *oplog.SessionRecord `json:"record,omitempty"`
	ArchivedAt *time.Time           `json:"archivedAt,omitempty"`
}

func Connect(ctx context.Context, cfg Config) (*RemoteStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &RemoteStore{nc: nc, js: js, config: cfg}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config) error {
	sc := jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Duplicates: cfg.DuplicateWindow,
	}
	if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
		return err
	}
	log.Info().Str("stream", cfg.StreamName).Msg("JetStream stream ready")
	return nil
}

func (s *RemoteStore) Upsert(ctx context.Context, rec oplog.SessionRecord) error {
	return s.publish(ctx, Envelope{Op: oplog.OpSessionUpsert, SessionID: rec.SessionID, Record: &rec})
}

func (s *RemoteStore) Archive(ctx context.Context, sessionID string, archivedAt time.Time) error {
	at := archivedAt.UTC()
	return s.publish(ctx, Envelope{Op: oplog.OpSessionArchive, SessionID: sessionID, ArchivedAt: &at})
}

func (s *RemoteStore) publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", oplog.ErrRejected, err)
	}
	subject := fmt.Sprintf("%s.%s", s.config.SubjectPrefix, env.Op)
	msgID := messageID(env.Op, env.SessionID, data)

	ack, err := s.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Op":         []string{env.Op},
			"Session-ID": []string{env.SessionID},
		},
	},
		jetstream.WithMsgID(msgID),
		jetstream.WithExpectStream(s.config.StreamName),
	)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("publish to JetStream: %w", err)
		}
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %v", oplog.ErrRejected, err)
		}
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("session_id", env.SessionID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}

func (s *RemoteStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func messageID(op, sessionID string, data []byte) string {
	sum := sha256.Sum256(data)
	return op + ":" + sessionID + ":" + hex.EncodeToString(sum[:8])
}
