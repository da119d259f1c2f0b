package oplog

import (
	"encoding/json"
	"fmt"
	"time"

	"quizlive/internal/domain"
	"quizlive/internal/leaderboard"
	"quizlive/internal/scoring"
)

// SchemaVersion is the current version of SessionRecord.
const SchemaVersion = 1

// SessionRecord is the document the remote store keeps for a finished session.
type SessionRecord struct {
	SchemaVersion int                 `json:"schemaVersion"`
	SessionID     string              `json:"sessionId"`
	JoinCode      string              `json:"joinCode"`
	QuizID        string              `json:"quizId"`
	HostID        string              `json:"hostId,omitempty"`
	TeacherName   string              `json:"teacherName,omitempty"`
	ClassroomID   string              `json:"classroomId,omitempty"`
	Status        string              `json:"status"`
	QuestionCount int                 `json:"questionCount"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	EndedAt       *time.Time          `json:"endedAt,omitempty"`
	Participants  []ParticipantRecord `json:"participants"`
}

type ParticipantRecord struct {
	UID          string `json:"uid"`
	Nickname     string `json:"nickname"`
	Rank         int    `json:"rank"`
	TotalPoints  int    `json:"totalPoints"`
	TotalTimeMs  int64  `json:"totalTimeMs"`
	CorrectCount int    `json:"correctCount"`
	Answered     int    `json:"answered"`
	AccuracyPct  int    `json:"accuracyPct"`
}

// ArchiveRequest is the payload of OpSessionArchive.
type ArchiveRequest struct {
	SessionID  string    `json:"sessionId"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// legacyRecord is the unversioned layout written before schemaVersion existed.
type legacyRecord struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	JoinCode     string     `json:"joinCode"`
	QuizID       string     `json:"quizId"`
	Status       string     `json:"status"`
	EndedAt      *time.Time `json:"endedAt"`
	Participants []struct {
		UID          string `json:"uid"`
		Nickname     string `json:"nickname"`
		Score        int    `json:"score"`
		TotalTimeMs  int64  `json:"totalTimeMs"`
		CorrectCount int    `json:"correctCount"`
		Answered     int    `json:"answered"`
	} `json:"participants"`
}

// RecordFromReport maps a session report onto the current schema.
func RecordFromReport(r domain.Report) SessionRecord {
	rec := SessionRecord{
		SchemaVersion: SchemaVersion,
		SessionID:     r.Session.ID,
		JoinCode:      r.Session.JoinCode,
		QuizID:        r.Session.QuizID,
		HostID:        r.Session.HostID,
		TeacherName:   r.Session.TeacherName,
		ClassroomID:   r.Session.ClassroomID,
		Status:        string(r.Status),
		QuestionCount: r.QuestionCount,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		Participants:  make([]ParticipantRecord, 0, len(r.Participants)),
	}
	for _, p := range r.Participants {
		rec.Participants = append(rec.Participants, ParticipantRecord{
			UID:          p.UID,
			Nickname:     p.Nickname,
			Rank:         p.Rank,
			TotalPoints:  p.TotalPoints,
			TotalTimeMs:  p.TotalTimeMs,
			CorrectCount: p.CorrectCount,
			Answered:     p.Answered,
			AccuracyPct:  p.AccuracyPct,
		})
	}
	return rec
}

// DecodeSessionRecord parses an upsert payload of any known version and
// returns it migrated to SchemaVersion.
func DecodeSessionRecord(raw []byte) (SessionRecord, error) {
	var probe struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session record: %w", err)
	}

	version := 0
	if probe.SchemaVersion != nil {
		version = *probe.SchemaVersion
	}
	switch version {
	case 0:
		return migrateV0(raw)
	case SchemaVersion:
		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return SessionRecord{}, fmt.Errorf("decode session record v%d: %w", version, err)
		}
		if rec.SessionID == "" {
			return SessionRecord{}, fmt.Errorf("session record without session id")
		}
		return rec, nil
	default:
		return SessionRecord{}, fmt.Errorf("unsupported session record version %d", version)
	}
}

func migrateV0(raw []byte) (SessionRecord, error) {
	var old legacyRecord
	if err := json.Unmarshal(raw, &old); err != nil {
		return SessionRecord{}, fmt.Errorf("decode legacy session record: %w", err)
	}
	id := old.SessionID
	if id == "" {
		id = old.ID
	}
	if id == "" {
		return SessionRecord{}, fmt.Errorf("legacy session record without id")
	}

	rec := SessionRecord{
		SchemaVersion: SchemaVersion,
		SessionID:     id,
		JoinCode:      old.JoinCode,
		QuizID:        old.QuizID,
		Status:        old.Status,
		EndedAt:       old.EndedAt,
		Participants:  make([]ParticipantRecord, 0, len(old.Participants)),
	}
	if rec.Status == "" {
		rec.Status = string(domain.StatusEnded)
	}
	type legacyTotals struct{ correct, answered int }
	totals := make(map[string]legacyTotals, len(old.Participants))
	standings := make([]domain.Standing, 0, len(old.Participants))
	for _, p := range old.Participants {
		totals[p.UID] = legacyTotals{correct: p.CorrectCount, answered: p.Answered}
		standings = append(standings, domain.Standing{UID: p.UID, Nickname: p.Nickname, TotalPoints: p.Score, TotalTimeMs: p.TotalTimeMs})
	}
	for _, e := range leaderboard.Rank(standings, nil) {
		t := totals[e.UID]
		rec.Participants = append(rec.Participants, ParticipantRecord{
			UID:          e.UID,
			Nickname:     e.Nickname,
			Rank:         e.Rank,
			TotalPoints:  e.TotalPoints,
			TotalTimeMs:  e.TotalTimeMs,
			CorrectCount: t.correct,
			Answered:     t.answered,
			AccuracyPct:  scoring.ComputeAccuracy(t.correct, t.answered),
		})
	}
	return rec, nil
}
