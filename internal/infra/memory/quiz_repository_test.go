package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quizlive/internal/domain"
)

func TestQuizRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{
			"quiz-1": sampleQuiz(),
		}),
	}
	repo := NewQuizRepository(loader, time.Minute)

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls)
	}

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz 2: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls)
	}
}

func TestQuizRepositoryExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}),
	}
	repo := NewQuizRepositoryWithClock(loader, time.Minute, clock)

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz after expiry: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.calls)
	}
}

func TestQuizRepositoryUnknownQuiz(t *testing.T) {
	repo := NewQuizRepository(NewStaticQuizLoader(nil), time.Minute)
	if _, err := repo.GetQuiz(context.Background(), "missing"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

func TestDirQuizLoader(t *testing.T) {
	dir := t.TempDir()
	body := `{"title":"Capitals","questions":[{"id":"q1","prompt":"Capital of France?","options":[{"key":"A","text":"Paris"},{"key":"B","text":"Rome"}],"correctKeys":["A"],"timeLimitSeconds":20}]}`
	if err := os.WriteFile(filepath.Join(dir, "capitals.json"), []byte(body), 0o600); err != nil {
		t.Fatalf("write quiz: %v", err)
	}

	loader := NewDirQuizLoader(dir)
	quiz, err := loader.LoadQuiz(context.Background(), "capitals")
	if err != nil {
		t.Fatalf("load quiz: %v", err)
	}
	if quiz.ID != "capitals" || len(quiz.Questions) != 1 || quiz.Questions[0].TimeLimit() != 20*time.Second {
		t.Fatalf("unexpected quiz %+v", quiz)
	}

	for _, id := range []string{"missing", "../capitals", ""} {
		if _, err := loader.LoadQuiz(context.Background(), id); !errors.Is(err, domain.ErrQuizNotFound) {
			t.Fatalf("%q: expected ErrQuizNotFound, got %v", id, err)
		}
	}
}

func TestJoinCodesReserve(t *testing.T) {
	ctx := context.Background()
	codes := NewJoinCodes()

	ok, _ := codes.Reserve(ctx, "123456", "s1")
	if !ok {
		t.Fatalf("expected first reservation to succeed")
	}
	if ok, _ := codes.Reserve(ctx, "123456", "s2"); ok {
		t.Fatalf("expected second session to be refused")
	}
	if ok, _ := codes.Reserve(ctx, "123456", "s1"); !ok {
		t.Fatalf("expected owner to re-reserve")
	}
	_ = codes.Release(ctx, "123456")
	if ok, _ := codes.Reserve(ctx, "123456", "s2"); !ok {
		t.Fatalf("expected released code to be free")
	}
}

type countingLoader struct {
	QuizLoader
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.calls++
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{Key: "A", Text: "3"},
					{Key: "B", Text: "4"},
				},
				CorrectKeys: []string{"B"},
				TimeLimitS:  30,
			},
		},
	}
}
