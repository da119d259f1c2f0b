package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session exists for the given id or join code.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrParticipantNotFound is returned when a user acts before joining or after being kicked.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is not part of the quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrEmptyQuiz is returned when a session is created for a quiz without questions.
	ErrEmptyQuiz = errors.New("quiz has no questions")
	// ErrStaleSubmission means the answer arrived for a question that is no longer accepting answers.
	ErrStaleSubmission = errors.New("submission not accepted now")
	// ErrSessionEnded is returned for mutations on a session that has ended.
	ErrSessionEnded = errors.New("session has ended")
	// ErrJoinCodesExhausted is returned when no free join code could be reserved.
	ErrJoinCodesExhausted = errors.New("no free join code available")
)

// Join rejection reasons shown to the person trying to join.
const (
	ReasonInvalidToken    = "invalid token"
	ReasonUnknownJoinCode = "unknown join code"
	ReasonSessionLocked   = "session locked"
	ReasonSessionFull     = "session full"
	ReasonSessionEnded    = "session ended"
	ReasonKicked          = "kicked"
)

// JoinRejection is returned when a join handshake is refused.
type JoinRejection struct {
	Reason string
}

func (e *JoinRejection) Error() string {
	return "join rejected: " + e.Reason
}

// RejectJoin builds a JoinRejection for reason.
func RejectJoin(reason string) error {
	return &JoinRejection{Reason: reason}
}

// TransitionError reports an operation that is not valid in the current session state.
type TransitionError struct {
	Op     string
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s while %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s while %s", e.Op, e.From)
}

// IsTransitionError reports whether err is a state-machine violation.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
