package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quizlive/internal/domain"
)

// defaultTimeLimitS applies to stored questions without a time limit.
const defaultTimeLimitS = 30

// quizDocument is the JSONB layout of the quizzes table. Older rows mark the
// right answer with a per-option "correct" flag and name options by "id";
// newer rows carry "key" and a "correctKeys" list.
type quizDocument struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Questions []questionDocument `json:"questions"`
}

type questionDocument struct {
	ID          string           `json:"id"`
	Prompt      string           `json:"prompt"`
	Options     []optionDocument `json:"options"`
	CorrectKeys []string         `json:"correctKeys"`
	TimeLimitS  int              `json:"timeLimitSeconds"`
}

type optionDocument struct {
	Key     string `json:"key"`
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// QuizLoader loads quiz JSONB from Postgres through pgx.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM quizzes WHERE id=$1`, quizID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz %s: %w", quizID, err)
	}
	return decodeQuiz(quizID, raw)
}

func decodeQuiz(quizID string, raw []byte) (domain.Quiz, error) {
	var doc quizDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Quiz{}, fmt.Errorf("unmarshal quiz %s: %w", quizID, err)
	}

	quiz := domain.Quiz{ID: doc.ID, Title: doc.Title, Questions: make([]domain.Question, 0, len(doc.Questions))}
	if quiz.ID == "" {
		quiz.ID = quizID
	}
	for _, qd := range doc.Questions {
		q := domain.Question{
			ID:          qd.ID,
			Prompt:      qd.Prompt,
			Options:     make([]domain.Option, 0, len(qd.Options)),
			CorrectKeys: qd.CorrectKeys,
			TimeLimitS:  qd.TimeLimitS,
		}
		var flagged []string
		for _, od := range qd.Options {
			key := od.Key
			if key == "" {
				key = od.ID
			}
			q.Options = append(q.Options, domain.Option{Key: key, Text: od.Text})
			if od.Correct {
				flagged = append(flagged, key)
			}
		}
		if len(q.CorrectKeys) == 0 {
			q.CorrectKeys = flagged
		}
		if len(q.CorrectKeys) == 0 {
			return domain.Quiz{}, fmt.Errorf("quiz %s question %s has no correct answer", quiz.ID, q.ID)
		}
		if q.TimeLimitS <= 0 {
			q.TimeLimitS = defaultTimeLimitS
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	return quiz, nil
}
