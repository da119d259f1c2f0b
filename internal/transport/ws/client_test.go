package ws_test

import (
	"context"
	"testing"
	"time"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/transport/ws"
	"quizlive/internal/wire"
)

func fastClientConfig() ws.ClientConfig {
	return ws.ClientConfig{
		HandshakeTimeout: 2 * time.Second,
		MaxReconnects:    3,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
	}
}

func (f *fixture) connect(t *testing.T, nickname string, cfg ws.ClientConfig) *ws.Client {
	t.Helper()
	client, err := ws.Connect(context.Background(), f.desc, wire.Hello{Nickname: nickname}, cfg)
	if err != nil {
		t.Fatalf("connect %s: %v", nickname, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// nextEvent skips events until one of kind arrives.
func nextEvent(t *testing.T, events <-chan ws.Event, kind ws.EventKind) ws.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func waitClosed(t *testing.T, events <-chan ws.Event) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("event stream never closed")
		}
	}
}

func TestClientAttemptFlow(t *testing.T) {
	f := newFixture(t)
	client := f.connect(t, "Ann", fastClientConfig())
	ctx := context.Background()

	ack := client.JoinAck()
	if !ack.Accepted || ack.UID == "" || ack.SessionID != f.info.ID {
		t.Fatalf("unexpected join ack: %#v", ack)
	}

	if err := f.svc.Start(ctx, f.info.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	attempt := domain.AttemptSubmission{AttemptID: "att-1", QuestionID: "q1", Selected: []string{"A"}, TimeMs: 30000}
	if !client.SendAttempt(attempt) {
		t.Fatalf("attempt was not sent")
	}
	got := nextEvent(t, client.Events(), ws.EventAttemptAck).Ack
	if got.AttemptID != "att-1" || !got.Accepted || got.Duplicate {
		t.Fatalf("unexpected ack: %#v", got)
	}

	if !client.SendAttempt(attempt) {
		t.Fatalf("resend was not sent")
	}
	got = nextEvent(t, client.Events(), ws.EventAttemptAck).Ack
	if !got.Accepted || !got.Duplicate {
		t.Fatalf("resend should be acknowledged as duplicate: %#v", got)
	}

	report, err := f.svc.Report(ctx, f.info.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Participants) != 1 || report.Participants[0].TotalPoints != 700 {
		t.Fatalf("expected a single 700 point score, got %+v", report.Participants)
	}
}

func TestClientAttemptBeforeStartIsNotAccepted(t *testing.T) {
	f := newFixture(t)
	client := f.connect(t, "Ann", fastClientConfig())

	client.SendAttempt(domain.AttemptSubmission{QuestionID: "q1", Selected: []string{"A"}, TimeMs: 10})
	got := nextEvent(t, client.Events(), ws.EventAttemptAck).Ack
	if got.Accepted || got.Reason != wire.ReasonNotAcceptedNow {
		t.Fatalf("expected not accepted now, got %#v", got)
	}
	if got.AttemptID == "" {
		t.Fatalf("client should generate an attempt id")
	}
}

func TestClientRejectedJoin(t *testing.T) {
	f := newFixture(t)
	desc := f.desc
	desc.Attributes = map[string]string{"token": "wrong"}

	_, err := ws.Connect(context.Background(), desc, wire.Hello{Nickname: "Ann"}, fastClientConfig())
	reason, ok := app.IsRejection(err)
	if !ok || reason != domain.ReasonInvalidToken {
		t.Fatalf("expected invalid token rejection, got %v", err)
	}
}

func TestClientKicked(t *testing.T) {
	f := newFixture(t)
	client := f.connect(t, "Ann", fastClientConfig())

	if err := f.svc.Kick(context.Background(), f.info.ID, client.UID()); err != nil {
		t.Fatalf("kick: %v", err)
	}
	nextEvent(t, client.Events(), ws.EventKicked)
	waitClosed(t, client.Events())

	_, err := ws.Connect(context.Background(), f.desc, wire.Hello{UID: client.UID()}, fastClientConfig())
	if reason, ok := app.IsRejection(err); !ok || reason != domain.ReasonKicked {
		t.Fatalf("kicked uid should not rejoin, got %v", err)
	}
}

func TestClientReconnectsWithSameUID(t *testing.T) {
	f := newFixture(t)
	client := f.connect(t, "Ann", fastClientConfig())
	uid := client.UID()

	f.server.Close()

	nextEvent(t, client.Events(), ws.EventReconnecting)
	ev := nextEvent(t, client.Events(), ws.EventReconnected)
	if ev.JoinAck.UID != uid {
		t.Fatalf("expected to reattach as %s, got %s", uid, ev.JoinAck.UID)
	}

	snap, err := f.svc.Snapshot(context.Background(), f.info.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Participants) != 1 {
		t.Fatalf("reconnect must not add a participant, got %d", len(snap.Participants))
	}
}

func TestClientConnectionLost(t *testing.T) {
	f := newFixture(t)
	cfg := fastClientConfig()
	cfg.MaxReconnects = 2
	client := f.connect(t, "Ann", cfg)

	f.http.Close()
	f.server.Close()

	ev := nextEvent(t, client.Events(), ws.EventConnectionLost)
	if ev.Err == nil {
		t.Fatalf("connection lost should carry the last error")
	}
	waitClosed(t, client.Events())
	if client.SendAttempt(domain.AttemptSubmission{QuestionID: "q1"}) {
		t.Fatalf("sending after connection loss must fail")
	}
}

func TestClientCloseStopsEvents(t *testing.T) {
	f := newFixture(t)
	client := f.connect(t, "Ann", fastClientConfig())

	_ = client.Close()
	waitClosed(t, client.Events())
}
