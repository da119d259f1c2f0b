package app

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizlive/internal/domain"
	"quizlive/internal/leaderboard"
	"quizlive/internal/scoring"
)

// SessionOptions tunes a session's join and timer behavior.
type SessionOptions struct {
	MaxParticipants          int
	LockedAfterFirstQuestion bool
	AutoReveal               bool
	SubscriberBuffer         int
}

type attemptKey struct {
	uid        string
	questionID string
}

type attemptRef struct {
	uid       string
	attemptID string
}

// Session is the authoritative state machine of one live quiz. Every mutation
// takes mu, so submissions from many connections are applied one at a time.
type Session struct {
	info  domain.SessionInfo
	quiz  domain.Quiz
	opts  SessionOptions
	clock clockwork.Clock

	mu                sync.Mutex
	status            domain.Status
	current           int
	accepting         bool
	deadline          time.Time
	revealed          bool
	leaderboardHidden bool
	locked            bool
	participants      map[string]*domain.Participant
	order             []string
	kicked            map[string]struct{}
	attempts          map[attemptKey]domain.AttemptResult
	attemptIDs        map[attemptRef]domain.AttemptResult
	selections        map[string]map[string][]string
	board             *leaderboard.Aggregator
	timer             clockwork.Timer
	timerGen          uint64
	version           uint64
	startedAt         *time.Time
	endedAt           *time.Time
	subscribers       map[chan domain.Snapshot]struct{}
	closed            bool
	// resultQueued is set once the final record reached the op queue.
	resultQueued bool
}

// NewSession is exported for infrastructure layers and tests that need to seed sessions.
func NewSession(info domain.SessionInfo, quiz domain.Quiz, opts SessionOptions, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 8
	}
	return &Session{
		info:         info,
		quiz:         quiz,
		opts:         opts,
		clock:        clock,
		status:       domain.StatusLobby,
		locked:       opts.LockedAfterFirstQuestion,
		participants: make(map[string]*domain.Participant),
		kicked:       make(map[string]struct{}),
		attempts:     make(map[attemptKey]domain.AttemptResult),
		attemptIDs:   make(map[attemptRef]domain.AttemptResult),
		selections:   make(map[string]map[string][]string),
		board:        leaderboard.NewAggregator(),
		subscribers:  make(map[chan domain.Snapshot]struct{}),
	}
}

// Info returns the identity of the session.
func (s *Session) Info() domain.SessionInfo { return s.info }

// ID returns the session id.
func (s *Session) ID() string { return s.info.ID }

// Status returns the current lifecycle state.
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) join(uid, nickname, avatar string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusEnded {
		return domain.Participant{}, domain.RejectJoin(domain.ReasonSessionEnded)
	}
	if _, ok := s.kicked[uid]; ok && uid != "" {
		return domain.Participant{}, domain.RejectJoin(domain.ReasonKicked)
	}

	if p, ok := s.participants[uid]; ok && uid != "" {
		p.Connected = true
		if nickname != "" {
			p.Nickname = nickname
		}
		if avatar != "" {
			p.Avatar = avatar
		}
		s.broadcastLocked()
		return *p, nil
	}

	if s.locked && s.status != domain.StatusLobby {
		return domain.Participant{}, domain.RejectJoin(domain.ReasonSessionLocked)
	}
	if s.opts.MaxParticipants > 0 && len(s.participants) >= s.opts.MaxParticipants {
		return domain.Participant{}, domain.RejectJoin(domain.ReasonSessionFull)
	}

	if uid == "" {
		uid = uuid.NewString()
	}
	if nickname == "" {
		nickname = "Player " + uid[:4]
	}
	p := &domain.Participant{
		UID:       uid,
		Nickname:  nickname,
		Avatar:    avatar,
		Connected: true,
		JoinedAt:  s.clock.Now(),
	}
	s.participants[uid] = p
	s.order = append(s.order, uid)
	s.rankLocked()
	s.broadcastLocked()
	return *p, nil
}

func (s *Session) markDisconnected(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[uid]
	if !ok || !p.Connected {
		return
	}
	p.Connected = false
	s.broadcastLocked()
}

// setActiveQuestion opens question index for answers. It is valid from the
// lobby and after a reveal; the index never moves backwards.
func (s *Session) setActiveQuestion(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked("set active question", index)
}

func (s *Session) activateLocked(op string, index int) error {
	switch s.status {
	case domain.StatusLobby:
		if index < 0 {
			return &domain.TransitionError{Op: op, From: s.status, Reason: "question index must not be negative"}
		}
	case domain.StatusRevealed:
		if index <= s.current {
			return &domain.TransitionError{Op: op, From: s.status, Reason: "question index must move forward"}
		}
	case domain.StatusLive:
		return &domain.TransitionError{Op: op, From: s.status, Reason: "reveal the current question first"}
	default:
		return &domain.TransitionError{Op: op, From: s.status}
	}
	if index >= len(s.quiz.Questions) {
		return &domain.TransitionError{Op: op, From: s.status, Reason: "question index out of range"}
	}

	now := s.clock.Now()
	if s.startedAt == nil {
		s.startedAt = &now
	}
	s.status = domain.StatusLive
	s.current = index
	s.revealed = false
	s.accepting = true
	s.startTimerLocked(s.quiz.Questions[index].TimeLimit())
	s.broadcastLocked()
	return nil
}

func (s *Session) reveal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusLive {
		reason := ""
		if s.status == domain.StatusLobby {
			reason = "question has not started"
		}
		return &domain.TransitionError{Op: "reveal", From: s.status, Reason: reason}
	}
	s.revealLocked()
	s.broadcastLocked()
	return nil
}

func (s *Session) revealLocked() {
	s.stopTimerLocked()
	s.status = domain.StatusRevealed
	s.revealed = true
	s.accepting = false
	s.rankLocked()
}

// next advances past a revealed question. Moving past the last question ends
// the session; ended reports that case.
func (s *Session) next() (ended bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusRevealed {
		return false, &domain.TransitionError{Op: "next", From: s.status, Reason: "reveal the current question first"}
	}
	if s.current+1 >= len(s.quiz.Questions) {
		s.endLocked()
		return true, nil
	}
	return false, s.activateLocked("next", s.current+1)
}

func (s *Session) kick(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusEnded {
		return &domain.TransitionError{Op: "kick", From: s.status}
	}
	if _, ok := s.participants[uid]; !ok {
		return domain.ErrParticipantNotFound
	}
	delete(s.participants, uid)
	s.kicked[uid] = struct{}{}
	for i, id := range s.order {
		if id == uid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.rankLocked()
	s.broadcastLocked()
	return nil
}

func (s *Session) end() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusEnded {
		return &domain.TransitionError{Op: "end", From: s.status, Reason: "session already ended"}
	}
	s.endLocked()
	return nil
}

func (s *Session) endLocked() {
	s.stopTimerLocked()
	now := s.clock.Now()
	s.endedAt = &now
	s.status = domain.StatusEnded
	s.accepting = false
	s.rankLocked()
	s.broadcastLocked()
}

// resultPending reports whether the session ended without its final record queued.
func (s *Session) resultPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == domain.StatusEnded && !s.resultQueued
}

func (s *Session) markResultQueued() {
	s.mu.Lock()
	s.resultQueued = true
	s.mu.Unlock()
}

func (s *Session) setLeaderboardHidden(hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusEnded {
		return &domain.TransitionError{Op: "toggle leaderboard", From: s.status}
	}
	s.leaderboardHidden = hidden
	s.broadcastLocked()
	return nil
}

func (s *Session) setLocked(locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusEnded {
		return &domain.TransitionError{Op: "toggle lock", From: s.status}
	}
	s.locked = locked
	s.broadcastLocked()
	return nil
}

// submit scores an answer. Only the first submission per (uid, question) and
// per attempt id counts; repeats return the recorded result with Duplicate set.
func (s *Session) submit(sub domain.AttemptSubmission) (domain.AttemptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusEnded {
		return domain.AttemptResult{}, domain.ErrSessionEnded
	}
	p, ok := s.participants[sub.UID]
	if !ok {
		return domain.AttemptResult{}, domain.ErrParticipantNotFound
	}
	if sub.AttemptID != "" {
		if prev, ok := s.attemptIDs[attemptRef{uid: sub.UID, attemptID: sub.AttemptID}]; ok {
			prev.Duplicate = true
			return prev, nil
		}
	}
	key := attemptKey{uid: sub.UID, questionID: sub.QuestionID}
	if prev, ok := s.attempts[key]; ok {
		prev.Duplicate = true
		prev.AttemptID = sub.AttemptID
		return prev, nil
	}

	if s.status != domain.StatusLive || !s.accepting {
		s.logStale(sub, "question not accepting answers")
		return domain.AttemptResult{}, domain.ErrStaleSubmission
	}
	question := s.quiz.Questions[s.current]
	if question.ID != sub.QuestionID {
		if !s.hasQuestion(sub.QuestionID) {
			return domain.AttemptResult{}, domain.ErrQuestionNotFound
		}
		s.logStale(sub, "question is not active")
		return domain.AttemptResult{}, domain.ErrStaleSubmission
	}

	correct := scoring.IsCorrect(sub.Selected, question.CorrectKeys)
	limitMs := question.TimeLimit().Milliseconds()
	points := scoring.ComputePoints(correct, limitMs, sub.TimeMs)
	elapsed := sub.TimeMs
	if elapsed < 0 {
		elapsed = 0
	}

	result := domain.AttemptResult{
		AttemptID:  sub.AttemptID,
		QuestionID: sub.QuestionID,
		Correct:    correct,
		Points:     points,
	}
	s.attempts[key] = result
	if sub.AttemptID != "" {
		s.attemptIDs[attemptRef{uid: sub.UID, attemptID: sub.AttemptID}] = result
	}
	if s.selections[sub.QuestionID] == nil {
		s.selections[sub.QuestionID] = make(map[string][]string)
	}
	s.selections[sub.QuestionID][sub.UID] = append([]string(nil), sub.Selected...)

	p.TotalPoints += points
	p.TotalTimeMs += elapsed
	p.Answered++
	if correct {
		p.CorrectCount++
	}

	s.rankLocked()
	s.broadcastLocked()
	return result, nil
}

func (s *Session) logStale(sub domain.AttemptSubmission, reason string) {
	log.Info().
		Str("session_id", s.info.ID).
		Str("uid", sub.UID).
		Str("question_id", sub.QuestionID).
		Str("attempt_id", sub.AttemptID).
		Str("reason", reason).
		Msg("stale submission ignored")
}

func (s *Session) hasQuestion(id string) bool {
	for _, q := range s.quiz.Questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) startTimerLocked(limit time.Duration) {
	s.stopTimerLocked()
	if limit <= 0 {
		s.deadline = time.Time{}
		return
	}
	s.timerGen++
	gen := s.timerGen
	s.deadline = s.clock.Now().Add(limit)
	s.timer = s.clock.AfterFunc(limit, func() { s.onTimeout(gen) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// invalidates callbacks of timers that already fired
	s.timerGen++
	s.deadline = time.Time{}
}

func (s *Session) onTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.status != domain.StatusLive {
		return
	}
	s.timer = nil
	s.accepting = false
	s.deadline = time.Time{}
	log.Info().
		Str("session_id", s.info.ID).
		Int("question_index", s.current).
		Msg("question time is up")
	if s.opts.AutoReveal {
		s.revealLocked()
	}
	s.broadcastLocked()
}

func (s *Session) rankLocked() {
	standings := make([]domain.Standing, 0, len(s.participants))
	for _, uid := range s.order {
		p := s.participants[uid]
		standings = append(standings, domain.Standing{
			UID:         p.UID,
			Nickname:    p.Nickname,
			TotalPoints: p.TotalPoints,
			TotalTimeMs: p.TotalTimeMs,
		})
	}
	s.board.Update(standings)
}

func (s *Session) snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:         s.info.ID,
		JoinCode:          s.info.JoinCode,
		Version:           s.version,
		Status:            s.status,
		CurrentIndex:      s.current,
		QuestionCount:     len(s.quiz.Questions),
		AcceptingAnswers:  s.accepting,
		Revealed:          s.revealed,
		LeaderboardHidden: s.leaderboardHidden,
		Locked:            s.locked,
		UpdatedAt:         s.clock.Now(),
	}
	if s.status == domain.StatusLive || s.status == domain.StatusRevealed {
		q := s.quiz.Questions[s.current]
		snap.ActiveQuestionID = q.ID
		if s.accepting && !s.deadline.IsZero() {
			if remaining := s.deadline.Sub(snap.UpdatedAt); remaining > 0 {
				snap.RemainingMs = remaining.Milliseconds()
			}
		}
		if s.revealed {
			snap.CorrectKeys = append([]string(nil), q.CorrectKeys...)
			snap.Distribution = s.distributionLocked(q)
		}
	}

	snap.Participants = make([]domain.ParticipantView, 0, len(s.order))
	for _, uid := range s.order {
		p := s.participants[uid]
		snap.Participants = append(snap.Participants, domain.ParticipantView{
			UID:       p.UID,
			Nickname:  p.Nickname,
			Avatar:    p.Avatar,
			Connected: p.Connected,
		})
	}
	if !s.leaderboardHidden || s.status == domain.StatusEnded {
		snap.Leaderboard = s.board.Last()
	}
	return snap
}

func (s *Session) distributionLocked(q domain.Question) map[string]int {
	dist := make(map[string]int, len(q.Options))
	for _, opt := range q.Options {
		dist[opt.Key] = 0
	}
	for _, selected := range s.selections[q.ID] {
		for _, key := range selected {
			dist[key]++
		}
	}
	return dist
}

func (s *Session) report() domain.Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.board.Last()
	out := domain.Report{
		Session:       s.info,
		Status:        s.status,
		QuestionCount: len(s.quiz.Questions),
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
		Participants:  make([]domain.ParticipantReport, 0, len(ranked)),
	}
	for _, e := range ranked {
		p, ok := s.participants[e.UID]
		if !ok {
			continue
		}
		out.Participants = append(out.Participants, domain.ParticipantReport{
			UID:          p.UID,
			Nickname:     p.Nickname,
			Rank:         e.Rank,
			TotalPoints:  p.TotalPoints,
			TotalTimeMs:  p.TotalTimeMs,
			CorrectCount: p.CorrectCount,
			Answered:     p.Answered,
			AccuracyPct:  scoring.ComputeAccuracy(p.CorrectCount, p.Answered),
		})
	}
	sort.SliceStable(out.Participants, func(i, j int) bool { return out.Participants[i].Rank < out.Participants[j].Rank })
	return out
}

func (s *Session) subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, s.opts.SubscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	select {
	case ch <- s.snapshotLocked():
	default:
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// close releases the timer and every subscriber channel.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.closed = true
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
}

func (s *Session) broadcastLocked() {
	s.version++
	snap := s.snapshotLocked()
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the oldest queued snapshot so a slow reader never blocks the session
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
