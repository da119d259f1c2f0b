package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quizlive/internal/infra/postgres/migrations"
	"quizlive/internal/oplog"
)

// SessionResult is the session_results row written by the Syncer.
type SessionResult struct {
	bun.BaseModel `bun:"table:session_results"`

	SessionID     string                    `bun:"session_id,pk"`
	SchemaVersion int                       `bun:"schema_version,notnull"`
	JoinCode      string                    `bun:"join_code,notnull"`
	QuizID        string                    `bun:"quiz_id,notnull"`
	HostID        string                    `bun:"host_id,notnull"`
	TeacherName   string                    `bun:"teacher_name,notnull"`
	ClassroomID   string                    `bun:"classroom_id,notnull"`
	Status        string                    `bun:"status,notnull"`
	QuestionCount int                       `bun:"question_count,notnull"`
	StartedAt     *time.Time                `bun:"started_at"`
	EndedAt       *time.Time                `bun:"ended_at"`
	Participants  []oplog.ParticipantRecord `bun:"participants,type:jsonb,notnull"`
	ArchivedAt    *time.Time                `bun:"archived_at"`
	UpdatedAt     time.Time                 `bun:"updated_at,notnull"`
}

// RemoteStore implements oplog.RemoteStore on Postgres through bun. Both
// operations are single idempotent statements keyed by session id.
type RemoteStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewRemoteStore(db *bun.DB) *RemoteStore {
	return &RemoteStore{db: db, now: time.Now}
}

// Open connects bun to dsn through pgdriver.
func Open(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Migrate applies every registered migration.
func Migrate(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return nil, err
	}
	return migrator.Migrate(ctx)
}

func (s *RemoteStore) Upsert(ctx context.Context, rec oplog.SessionRecord) error {
	row := SessionResult{
		SessionID:     rec.SessionID,
		SchemaVersion: rec.SchemaVersion,
		JoinCode:      rec.JoinCode,
		QuizID:        rec.QuizID,
		HostID:        rec.HostID,
		TeacherName:   rec.TeacherName,
		ClassroomID:   rec.ClassroomID,
		Status:        rec.Status,
		QuestionCount: rec.QuestionCount,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		Participants:  rec.Participants,
		UpdatedAt:     s.now().UTC(),
	}
	if row.Participants == nil {
		row.Participants = []oplog.ParticipantRecord{}
	}
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (session_id) DO UPDATE").
		Set("schema_version = EXCLUDED.schema_version").
		Set("join_code = EXCLUDED.join_code").
		Set("quiz_id = EXCLUDED.quiz_id").
		Set("host_id = EXCLUDED.host_id").
		Set("teacher_name = EXCLUDED.teacher_name").
		Set("classroom_id = EXCLUDED.classroom_id").
		Set("status = EXCLUDED.status").
		Set("question_count = EXCLUDED.question_count").
		Set("started_at = EXCLUDED.started_at").
		Set("ended_at = EXCLUDED.ended_at").
		Set("participants = EXCLUDED.participants").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return classify("upsert session result", err)
}

// Archive stamps archived_at once; replays keep the first timestamp.
func (s *RemoteStore) Archive(ctx context.Context, sessionID string, archivedAt time.Time) error {
	at := archivedAt.UTC()
	row := SessionResult{
		SessionID:     sessionID,
		SchemaVersion: oplog.SchemaVersion,
		Status:        "archived",
		Participants:  []oplog.ParticipantRecord{},
		ArchivedAt:    &at,
		UpdatedAt:     s.now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (session_id) DO UPDATE").
		Set("archived_at = COALESCE(session_results.archived_at, EXCLUDED.archived_at)").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return classify("archive session result", err)
}

// Get reads a stored result.
func (s *RemoteStore) Get(ctx context.Context, sessionID string) (SessionResult, error) {
	var row SessionResult
	err := s.db.NewSelect().Model(&row).Where("session_id = ?", sessionID).Scan(ctx)
	return row, err
}

// classify turns data and constraint errors into oplog.ErrRejected; anything
// else is treated as the database being unreachable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		if pgErr.IntegrityViolation() || strings.HasPrefix(code, "22") {
			return fmt.Errorf("%s: %w: %v", op, oplog.ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
