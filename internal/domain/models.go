package domain

import "time"

// Status is the lifecycle state of a live session.
type Status string

const (
	StatusLobby    Status = "lobby"
	StatusLive     Status = "live"
	StatusRevealed Status = "revealed"
	StatusEnded    Status = "ended"
)

// Question models a quiz question. CorrectKeys holds one key for single-choice
// questions and several for multi-select ones.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []Option `json:"options"`
	CorrectKeys []string `json:"correctKeys"`
	TimeLimitS  int      `json:"timeLimitSeconds"`
}

// TimeLimit returns the answering window of the question.
func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitS) * time.Second
}

// Option represents a possible answer for a question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// SessionInfo identifies a session and its owners.
type SessionInfo struct {
	ID          string `json:"id"`
	JoinCode    string `json:"joinCode"`
	Token       string `json:"-"`
	HostID      string `json:"hostId"`
	TeacherName string `json:"teacherName"`
	ClassroomID string `json:"classroomId"`
	QuizID      string `json:"quizId"`
}

// Participant is a joined player and their running totals.
type Participant struct {
	UID          string
	Nickname     string
	Avatar       string
	TotalPoints  int
	TotalTimeMs  int64
	CorrectCount int
	Answered     int
	Connected    bool
	JoinedAt     time.Time
}

// AttemptSubmission is a single answer sent by a participant.
type AttemptSubmission struct {
	AttemptID  string   `json:"attemptId"`
	UID        string   `json:"uid"`
	QuestionID string   `json:"questionId"`
	Selected   []string `json:"selected"`
	TimeMs     int64    `json:"timeMs"`
	Nonce      string   `json:"nonce,omitempty"`
}

// AttemptResult is what the engine recorded for a submission.
type AttemptResult struct {
	AttemptID  string `json:"attemptId"`
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"correct"`
	Points     int    `json:"points"`
	Duplicate  bool   `json:"duplicate"`
}

// Standing is the input of the leaderboard aggregation for one participant.
type Standing struct {
	UID         string
	Nickname    string
	TotalPoints int
	TotalTimeMs int64
}

// LeaderboardEntry is a ranked row of the leaderboard.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UID         string `json:"uid"`
	Nickname    string `json:"nickname"`
	TotalPoints int    `json:"totalPoints"`
	TotalTimeMs int64  `json:"totalTimeMs"`
	Delta       int    `json:"delta"`
}

// ParticipantView is the public part of a participant shown to clients.
type ParticipantView struct {
	UID       string `json:"uid"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar,omitempty"`
	Connected bool   `json:"connected"`
}

// Snapshot is the state broadcast to every connected client after a change.
type Snapshot struct {
	SessionID         string             `json:"sessionId"`
	JoinCode          string             `json:"joinCode"`
	Version           uint64             `json:"version"`
	Status            Status             `json:"status"`
	CurrentIndex      int                `json:"currentQuestionIndex"`
	QuestionCount     int                `json:"questionCount"`
	ActiveQuestionID  string             `json:"activeQuestionId,omitempty"`
	AcceptingAnswers  bool               `json:"acceptingAnswers"`
	RemainingMs       int64              `json:"remainingMs,omitempty"`
	Revealed          bool               `json:"revealed"`
	CorrectKeys       []string           `json:"correctKeys,omitempty"`
	Distribution      map[string]int     `json:"distribution,omitempty"`
	LeaderboardHidden bool               `json:"leaderboardHidden"`
	Locked            bool               `json:"locked"`
	Participants      []ParticipantView  `json:"participants"`
	Leaderboard       []LeaderboardEntry `json:"leaderboard,omitempty"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// HasParticipant reports whether uid is still part of the session.
func (s Snapshot) HasParticipant(uid string) bool {
	for _, p := range s.Participants {
		if p.UID == uid {
			return true
		}
	}
	return false
}

// ParticipantReport summarizes one participant in a session report.
type ParticipantReport struct {
	UID          string `json:"uid"`
	Nickname     string `json:"nickname"`
	Rank         int    `json:"rank"`
	TotalPoints  int    `json:"totalPoints"`
	TotalTimeMs  int64  `json:"totalTimeMs"`
	CorrectCount int    `json:"correctCount"`
	Answered     int    `json:"answered"`
	AccuracyPct  int    `json:"accuracyPct"`
}

// Report is the retrievable result of a session, available in every status.
type Report struct {
	Session       SessionInfo         `json:"session"`
	Status        Status              `json:"status"`
	QuestionCount int                 `json:"questionCount"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	EndedAt       *time.Time          `json:"endedAt,omitempty"`
	Participants  []ParticipantReport `json:"participants"`
}
