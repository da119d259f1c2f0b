package memory

import (
	"testing"

	"github.com/jonboulle/clockwork"

	"quizlive/internal/app"
	"quizlive/internal/domain"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	info := domain.SessionInfo{ID: "s1", JoinCode: "123456", Token: "tok"}
	session := app.NewSession(info, sampleQuiz(), app.SessionOptions{}, clockwork.NewFakeClock())

	if err := reg.Put(session); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := reg.Get("s1"); !ok {
		t.Fatalf("expected session present")
	}
	if got, ok := reg.FindByJoinCode("123456"); !ok || got.ID() != "s1" {
		t.Fatalf("expected lookup by join code")
	}
	if got, ok := reg.FindByToken("tok"); !ok || got.ID() != "s1" {
		t.Fatalf("expected lookup by token")
	}

	other := app.NewSession(domain.SessionInfo{ID: "s2", JoinCode: "123456", Token: "tok2"}, sampleQuiz(), app.SessionOptions{}, clockwork.NewFakeClock())
	if err := reg.Put(other); err == nil {
		t.Fatalf("expected duplicate join code to be refused")
	}

	reg.Delete("s1")
	if _, ok := reg.Get("s1"); ok {
		t.Fatalf("expected session removed")
	}
	if _, ok := reg.FindByJoinCode("123456"); ok {
		t.Fatalf("expected join code index cleared")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}
