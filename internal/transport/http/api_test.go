package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/infra/memory"
	"quizlive/internal/oplog"
	"quizlive/internal/wire"
)

const testAdminKey = "secret"

func newTestAPI(t *testing.T, opts ...Option) (*app.HostService, *httptest.Server) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{ID: "q1", CorrectKeys: []string{"A"}, TimeLimitS: 60},
				{ID: "q2", CorrectKeys: []string{"B"}, TimeLimitS: 60},
			},
		},
	}), time.Minute)
	svc := app.NewHostService(memory.NewRegistry(), quizzes, memory.NewJoinCodes(),
		oplog.NewQueue(memory.NewOpStore(), clock), app.WithClock(clock))

	server := httptest.NewServer(NewAPI(svc, testAdminKey, opts...).Handler(nil))
	t.Cleanup(server.Close)
	return svc, server
}

func do(t *testing.T, method, url, key, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if key != "" {
		req.Header.Set(AdminKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, respBody
}

func TestHealthz(t *testing.T) {
	_, server := newTestAPI(t)
	resp, body := do(t, http.MethodGet, server.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", resp.StatusCode, body)
	}
}

func TestControlRequiresAdminKey(t *testing.T) {
	_, server := newTestAPI(t)
	resp, body := do(t, http.MethodPost, server.URL+"/sessions", "wrong", `{"quizId":"quiz-1"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var e wire.Error
	if err := json.Unmarshal(body, &e); err != nil || e.Code != wire.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated error body, got %s", body)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	var hooked []domain.SessionInfo
	svc, server := newTestAPI(t, WithSessionHook(func(_ context.Context, info domain.SessionInfo) {
		hooked = append(hooked, info)
	}))

	resp, body := do(t, http.MethodPost, server.URL+"/sessions", testAdminKey, `{"quizId":"quiz-1","teacherName":"Ms. K","joinCode":"424242"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created sessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.ID == "" || created.Token == "" || created.JoinCode != "424242" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if len(hooked) != 1 || hooked[0].ID != created.ID {
		t.Fatalf("session hook not called for create: %+v", hooked)
	}

	if _, _, err := svc.Admit(context.Background(), app.JoinRequest{Token: created.Token, UID: "u1", Nickname: "Ann"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	base := server.URL + "/sessions/" + created.ID
	resp, body = do(t, http.MethodPost, base+"/reveal", testAdminKey, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reveal in lobby should conflict, got %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, base+"/start", testAdminKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil || snap.Status != domain.StatusLive || snap.ActiveQuestionID != "q1" {
		t.Fatalf("unexpected snapshot after start: %s", body)
	}

	if _, err := svc.Submit(context.Background(), created.ID, domain.AttemptSubmission{
		AttemptID: "a1", UID: "u1", QuestionID: "q1", Selected: []string{"A"}, TimeMs: 0,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, body = do(t, http.MethodPut, base+"/leaderboard-hidden", testAdminKey, `{"value":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hide leaderboard: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &snap); err != nil || !snap.LeaderboardHidden || len(snap.Leaderboard) != 0 {
		t.Fatalf("leaderboard should be hidden: %s", body)
	}

	resp, _ = do(t, http.MethodPost, base+"/end", testAdminKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, base+"/report", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", resp.StatusCode, body)
	}
	var report domain.Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != domain.StatusEnded || len(report.Participants) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if p := report.Participants[0]; p.TotalPoints != 1000 || p.AccuracyPct != 100 || p.Rank != 1 {
		t.Fatalf("unexpected standing: %+v", p)
	}

	resp, _ = do(t, http.MethodPost, base+"/next", testAdminKey, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("next after end should conflict, got %d", resp.StatusCode)
	}
}

func TestRegenerateOverHTTP(t *testing.T) {
	var hooked int
	svc, server := newTestAPI(t, WithSessionHook(func(context.Context, domain.SessionInfo) { hooked++ }))
	info, err := svc.CreateSession(context.Background(), app.CreateRequest{QuizID: "quiz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, body := do(t, http.MethodPost, server.URL+"/sessions/"+info.ID+"/regenerate", testAdminKey, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("regenerate: %d %s", resp.StatusCode, body)
	}
	var fresh sessionResponse
	if err := json.Unmarshal(body, &fresh); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fresh.ID == info.ID || fresh.Token == info.Token || fresh.QuizID != "quiz-1" {
		t.Fatalf("expected a fresh session for the same quiz: %+v", fresh)
	}
	if hooked != 1 {
		t.Fatalf("expected hook for regenerated session, got %d", hooked)
	}

	resp, _ = do(t, http.MethodGet, server.URL+"/sessions/"+info.ID+"/snapshot", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("old session should be gone, got %d", resp.StatusCode)
	}
}

func TestUnknownSessionAndBadIndex(t *testing.T) {
	svc, server := newTestAPI(t)
	resp, _ := do(t, http.MethodGet, server.URL+"/sessions/missing/report", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	info, err := svc.CreateSession(context.Background(), app.CreateRequest{QuizID: "quiz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp, _ = do(t, http.MethodPost, server.URL+"/sessions/"+info.ID+"/questions/x", testAdminKey, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric index, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, server.URL+"/sessions/"+info.ID+"/questions/9", testAdminKey, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for out of range index, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, server.URL+"/sessions", testAdminKey, `{"quizId":"nope"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown quiz, got %d", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	_, server := newTestAPI(t, WithAllowedOrigins([]string{"http://host.local"}))
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://host.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://host.local" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
}
