package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"quizlive/internal/oplog"
)

type fakePublisher struct {
	msgs   []*nats.Msg
	optCnt []int
	err    error
}

func (f *fakePublisher) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.optCnt = append(f.optCnt, len(opts))
	return &jetstream.PubAck{Stream: "QUIZLIVE_SESSIONS", Sequence: uint64(len(f.msgs))}, nil
}

func TestUpsertPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	store := &RemoteStore{js: pub, config: DefaultConfig()}

	rec := oplog.SessionRecord{SchemaVersion: oplog.SchemaVersion, SessionID: "s1", Status: "ended"}
	if err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Subject != "quizlive.sessions.session.upsert" || msg.Header.Get("Session-ID") != "s1" {
		t.Fatalf("unexpected message %s %v", msg.Subject, msg.Header)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Op != oplog.OpSessionUpsert || env.Record == nil || env.Record.SessionID != "s1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if pub.optCnt[0] != 2 {
		t.Fatalf("expected msg id and stream expectations, got %d opts", pub.optCnt[0])
	}
}

func TestMessageIDIsStablePerContent(t *testing.T) {
	a := messageID(oplog.OpSessionUpsert, "s1", []byte(`{"x":1}`))
	b := messageID(oplog.OpSessionUpsert, "s1", []byte(`{"x":1}`))
	c := messageID(oplog.OpSessionUpsert, "s1", []byte(`{"x":2}`))
	if a != b {
		t.Fatalf("replays must share a message id")
	}
	if a == c {
		t.Fatalf("changed content must publish under a new id")
	}
}

func TestArchiveErrorsAreRetryable(t *testing.T) {
	pub := &fakePublisher{err: nats.ErrNoResponders}
	store := &RemoteStore{js: pub, config: DefaultConfig()}

	err := store.Archive(context.Background(), "s1", time.Now())
	if err == nil || errors.Is(err, oplog.ErrRejected) {
		t.Fatalf("missing stream responders must be retryable, got %v", err)
	}
}
