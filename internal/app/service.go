package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizlive/internal/domain"
	"quizlive/internal/oplog"
)

// SessionRepository abstracts where live sessions are registered (in-memory today).
type SessionRepository interface {
	Put(session *Session) error
	Get(sessionID string) (*Session, bool)
	FindByJoinCode(joinCode string) (*Session, bool)
	FindByToken(token string) (*Session, bool)
	Delete(sessionID string)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// JoinCodeReserver hands out join codes that are unique among running sessions.
type JoinCodeReserver interface {
	Reserve(ctx context.Context, code, sessionID string) (bool, error)
	Release(ctx context.Context, code string) error
}

// OpQueue records mutations that must reach the remote store eventually.
type OpQueue interface {
	Enqueue(ctx context.Context, opType string, payload any) (oplog.Entry, error)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	QuizID      string
	HostID      string
	TeacherName string
	ClassroomID string
	// JoinCode pins the code instead of generating one.
	JoinCode string
}

// JoinRequest is the content of a Hello handshake.
type JoinRequest struct {
	Token    string
	JoinCode string
	UID      string
	Nickname string
	Avatar   string
}

// HostService contains the host-side session use cases.
type HostService struct {
	sessions  SessionRepository
	quizzes   QuizRepository
	codes     JoinCodeReserver
	ops       OpQueue
	clock     clockwork.Clock
	opts      SessionOptions
	codeTries int
	onEnded   func(ctx context.Context, info domain.SessionInfo)
}

// Option customizes a HostService.
type Option func(*HostService)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *HostService) { s.clock = clock }
}

// WithEndedHook registers fn to run whenever a session ends, before its
// final record is queued.
func WithEndedHook(fn func(ctx context.Context, info domain.SessionInfo)) Option {
	return func(s *HostService) { s.onEnded = fn }
}

// WithSessionOptions sets the options applied to every created session.
func WithSessionOptions(opts SessionOptions) Option {
	return func(s *HostService) { s.opts = opts }
}

func NewHostService(sessions SessionRepository, quizzes QuizRepository, codes JoinCodeReserver, ops OpQueue, options ...Option) *HostService {
	s := &HostService{
		sessions:  sessions,
		quizzes:   quizzes,
		codes:     codes,
		ops:       ops,
		clock:     clockwork.NewRealClock(),
		codeTries: 20,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// CreateSession loads the quiz, reserves a join code and registers a lobby session.
func (s *HostService) CreateSession(ctx context.Context, req CreateRequest) (domain.SessionInfo, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, req.QuizID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.SessionInfo{}, domain.ErrEmptyQuiz
	}

	token, err := newToken()
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("generate token: %w", err)
	}
	info := domain.SessionInfo{
		ID:          uuid.NewString(),
		Token:       token,
		HostID:      req.HostID,
		TeacherName: req.TeacherName,
		ClassroomID: req.ClassroomID,
		QuizID:      quiz.ID,
	}

	code, err := s.reserveCode(ctx, req.JoinCode, info.ID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	info.JoinCode = code

	session := NewSession(info, quiz, s.opts, s.clock)
	if err := s.sessions.Put(session); err != nil {
		_ = s.codes.Release(ctx, code)
		return domain.SessionInfo{}, err
	}

	log.Info().
		Str("session_id", info.ID).
		Str("join_code", info.JoinCode).
		Str("quiz_id", quiz.ID).
		Int("questions", len(quiz.Questions)).
		Msg("session created")
	return info, nil
}

func (s *HostService) reserveCode(ctx context.Context, pinned, sessionID string) (string, error) {
	if pinned != "" {
		ok, err := s.codes.Reserve(ctx, pinned, sessionID)
		if err != nil {
			return "", fmt.Errorf("reserve join code: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("join code %s: %w", pinned, domain.ErrJoinCodesExhausted)
		}
		return pinned, nil
	}
	for i := 0; i < s.codeTries; i++ {
		code, err := randomJoinCode()
		if err != nil {
			return "", err
		}
		ok, err := s.codes.Reserve(ctx, code, sessionID)
		if err != nil {
			return "", fmt.Errorf("reserve join code: %w", err)
		}
		if ok {
			return code, nil
		}
	}
	return "", domain.ErrJoinCodesExhausted
}

// Join authenticates a Hello against the session it names and admits or
// reattaches the participant. Rejections are *domain.JoinRejection.
func (s *HostService) Join(_ context.Context, sessionID string, req JoinRequest) (*Session, domain.Participant, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, domain.Participant{}, domain.ErrSessionNotFound
	}
	if req.JoinCode != "" && req.JoinCode != session.info.JoinCode {
		return nil, domain.Participant{}, domain.RejectJoin(domain.ReasonUnknownJoinCode)
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(session.info.Token)) != 1 {
		return nil, domain.Participant{}, domain.RejectJoin(domain.ReasonInvalidToken)
	}

	p, err := session.join(req.UID, req.Nickname, req.Avatar)
	if err != nil {
		log.Info().Str("session_id", sessionID).Str("uid", req.UID).Err(err).Msg("join rejected")
		return nil, domain.Participant{}, err
	}
	log.Info().Str("session_id", sessionID).Str("uid", p.UID).Str("nickname", p.Nickname).Msg("participant joined")
	return session, p, nil
}

// Admit resolves the session a Hello is aimed at, by join code when one is
// given and by token otherwise, then joins it.
func (s *HostService) Admit(ctx context.Context, req JoinRequest) (*Session, domain.Participant, error) {
	var (
		session *Session
		ok      bool
	)
	if req.JoinCode != "" {
		session, ok = s.sessions.FindByJoinCode(req.JoinCode)
		if !ok {
			return nil, domain.Participant{}, domain.RejectJoin(domain.ReasonUnknownJoinCode)
		}
	} else {
		session, ok = s.sessions.FindByToken(req.Token)
		if !ok {
			return nil, domain.Participant{}, domain.RejectJoin(domain.ReasonInvalidToken)
		}
	}
	return s.Join(ctx, session.ID(), req)
}

// Submit scores an answer.
func (s *HostService) Submit(_ context.Context, sessionID string, sub domain.AttemptSubmission) (domain.AttemptResult, error) {
	session, err := s.get(sessionID)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	return session.submit(sub)
}

// Start opens the first question.
func (s *HostService) Start(ctx context.Context, sessionID string) error {
	return s.SetActiveQuestion(ctx, sessionID, 0)
}

func (s *HostService) SetActiveQuestion(_ context.Context, sessionID string, index int) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return session.setActiveQuestion(index)
}

func (s *HostService) Reveal(_ context.Context, sessionID string) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return session.reveal()
}

// Next moves to the following question, or ends the session after the last one.
func (s *HostService) Next(ctx context.Context, sessionID string) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	ended, err := session.next()
	if err != nil {
		return err
	}
	if ended {
		return s.finalize(ctx, session)
	}
	return nil
}

func (s *HostService) Kick(_ context.Context, sessionID, uid string) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	if err := session.kick(uid); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Str("uid", uid).Msg("participant kicked")
	return nil
}

// End terminates the session and queues its final record for the remote store.
// Ending a session whose record could not be queued earlier retries the queueing.
func (s *HostService) End(ctx context.Context, sessionID string) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	if err := session.end(); err != nil {
		if !session.resultPending() {
			return err
		}
		log.Info().Str("session_id", sessionID).Msg("retrying queue of session result")
	}
	return s.finalize(ctx, session)
}

func (s *HostService) finalize(ctx context.Context, session *Session) error {
	info := session.Info()
	if err := s.codes.Release(ctx, info.JoinCode); err != nil {
		log.Warn().Err(err).Str("join_code", info.JoinCode).Msg("release join code failed")
	}
	if s.onEnded != nil {
		s.onEnded(ctx, info)
	}
	record := oplog.RecordFromReport(session.report())
	if _, err := s.ops.Enqueue(ctx, oplog.OpSessionUpsert, record); err != nil {
		return fmt.Errorf("enqueue session result: %w", err)
	}
	session.markResultQueued()
	log.Info().Str("session_id", info.ID).Int("participants", len(record.Participants)).Msg("session ended")
	return nil
}

// Regenerate ends the session, discards its join code and replaces it with a
// fresh session for the same quiz.
func (s *HostService) Regenerate(ctx context.Context, sessionID string) (domain.SessionInfo, error) {
	session, err := s.get(sessionID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	info := session.Info()

	if err := session.end(); err != nil && !domain.IsTransitionError(err) {
		return domain.SessionInfo{}, err
	}
	if session.resultPending() {
		if err := s.finalize(ctx, session); err != nil {
			return domain.SessionInfo{}, err
		}
	}

	archive := oplog.ArchiveRequest{SessionID: info.ID, ArchivedAt: s.clock.Now().UTC()}
	if _, err := s.ops.Enqueue(ctx, oplog.OpSessionArchive, archive); err != nil {
		return domain.SessionInfo{}, fmt.Errorf("enqueue archive: %w", err)
	}
	session.close()
	s.sessions.Delete(info.ID)

	fresh, err := s.CreateSession(ctx, CreateRequest{
		QuizID:      info.QuizID,
		HostID:      info.HostID,
		TeacherName: info.TeacherName,
		ClassroomID: info.ClassroomID,
	})
	if err != nil {
		return domain.SessionInfo{}, err
	}
	log.Info().Str("old_session_id", info.ID).Str("session_id", fresh.ID).Msg("session regenerated")
	return fresh, nil
}

func (s *HostService) SetLeaderboardHidden(_ context.Context, sessionID string, hidden bool) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return session.setLeaderboardHidden(hidden)
}

func (s *HostService) SetLocked(_ context.Context, sessionID string, locked bool) error {
	session, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return session.setLocked(locked)
}

// MarkDisconnected keeps the participant and its score but flags it offline.
func (s *HostService) MarkDisconnected(_ context.Context, sessionID, uid string) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	session.markDisconnected(uid)
	log.Info().Str("session_id", sessionID).Str("uid", uid).Msg("participant disconnected")
}

// Subscribe returns a channel that receives snapshots for a session.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *HostService) Subscribe(_ context.Context, sessionID string) (<-chan domain.Snapshot, func(), error) {
	session, err := s.get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := session.subscribe()
	return ch, cancel, nil
}

func (s *HostService) Snapshot(_ context.Context, sessionID string) (domain.Snapshot, error) {
	session, err := s.get(sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return session.snapshot(), nil
}

// Report is available in every status, including after the session ended.
func (s *HostService) Report(_ context.Context, sessionID string) (domain.Report, error) {
	session, err := s.get(sessionID)
	if err != nil {
		return domain.Report{}, err
	}
	return session.report(), nil
}

// Info returns the identity of a session, token included.
func (s *HostService) Info(_ context.Context, sessionID string) (domain.SessionInfo, error) {
	session, err := s.get(sessionID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	return session.Info(), nil
}

// Close stops every timer of a session and removes it from the registry.
func (s *HostService) Close(_ context.Context, sessionID string) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	session.close()
	s.sessions.Delete(sessionID)
}

func (s *HostService) get(sessionID string) (*Session, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var joinCodeSpace = big.NewInt(1_000_000)

func randomJoinCode() (string, error) {
	n, err := rand.Int(rand.Reader, joinCodeSpace)
	if err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IsRejection reports whether err is a join rejection and returns its reason.
func IsRejection(err error) (string, bool) {
	var rej *domain.JoinRejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
