// Package wire defines the JSON messages exchanged between a quiz host and its clients.
//
// Every frame is an envelope {"type": <kind>, "payload": <object>}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"quizlive/internal/domain"
)

// Kind names a message type on the wire.
type Kind string

const (
	KindHello         Kind = "hello"
	KindJoinAck       Kind = "joinAck"
	KindAttemptSubmit Kind = "attemptSubmit"
	KindAttemptAck    Kind = "attemptAck"
	KindSnapshot      Kind = "snapshot"
	KindKick          Kind = "kick"
	KindError         Kind = "error"
)

// Error codes carried by Error messages.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeBadRequest        = "bad_request"
	CodeStaleSubmission   = "stale_submission"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// ReasonNotAcceptedNow is the AttemptAck reason for answers that arrived too
// late or for a question that is not open.
const ReasonNotAcceptedNow = "not accepted now"

// ErrUnknownKind is returned by Parse for envelopes of an unsupported type.
var ErrUnknownKind = errors.New("unknown message type")

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

// Hello opens a session-scoped connection. UID is set when reconnecting.
type Hello struct {
	Token    string `json:"token"`
	JoinCode string `json:"joinCode"`
	UID      string `json:"uid,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// JoinAck answers a Hello.
type JoinAck struct {
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
	UID         string `json:"uid,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// AttemptSubmit carries one answer. SelectedJSON is a JSON array of answer keys.
type AttemptSubmit struct {
	AttemptID    string          `json:"attemptId"`
	UID          string          `json:"uid"`
	QuestionID   string          `json:"questionId"`
	SelectedJSON json.RawMessage `json:"selectedJson"`
	TimeMs       int64           `json:"timeMs"`
	Nonce        string          `json:"nonce"`
}

// NewAttemptSubmit encodes selected keys into an AttemptSubmit.
func NewAttemptSubmit(attemptID, uid, questionID string, selected []string, timeMs int64, nonce string) (AttemptSubmit, error) {
	if selected == nil {
		selected = []string{}
	}
	raw, err := json.Marshal(selected)
	if err != nil {
		return AttemptSubmit{}, err
	}
	return AttemptSubmit{
		AttemptID:    attemptID,
		UID:          uid,
		QuestionID:   questionID,
		SelectedJSON: raw,
		TimeMs:       timeMs,
		Nonce:        nonce,
	}, nil
}

// Selected decodes the selected answer keys.
func (m AttemptSubmit) Selected() ([]string, error) {
	if len(m.SelectedJSON) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(m.SelectedJSON, &keys); err != nil {
		return nil, fmt.Errorf("decode selectedJson: %w", err)
	}
	return keys, nil
}

// Submission converts the message into the engine's submission type.
func (m AttemptSubmit) Submission() (domain.AttemptSubmission, error) {
	selected, err := m.Selected()
	if err != nil {
		return domain.AttemptSubmission{}, err
	}
	return domain.AttemptSubmission{
		AttemptID:  m.AttemptID,
		UID:        m.UID,
		QuestionID: m.QuestionID,
		Selected:   selected,
		TimeMs:     m.TimeMs,
		Nonce:      m.Nonce,
	}, nil
}

// AttemptAck tells the submitter whether the answer was taken. It never carries points.
type AttemptAck struct {
	AttemptID string `json:"attemptId"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Snapshot wraps the session state broadcast.
type Snapshot struct {
	domain.Snapshot
}

// Kick notifies a participant it was removed.
type Kick struct {
	UID string `json:"uid"`
}

// Error reports a failure to the peer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Hello) Kind() Kind         { return KindHello }
func (JoinAck) Kind() Kind       { return KindJoinAck }
func (AttemptSubmit) Kind() Kind { return KindAttemptSubmit }
func (AttemptAck) Kind() Kind    { return KindAttemptAck }
func (Snapshot) Kind() Kind      { return KindSnapshot }
func (Kick) Kind() Kind          { return KindKick }
func (Error) Kind() Kind         { return KindError }

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes m into an envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Payload: payload})
}

// Parse decodes an envelope into its typed message.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case KindHello:
		return decodeAs[Hello](env)
	case KindJoinAck:
		return decodeAs[JoinAck](env)
	case KindAttemptSubmit:
		return decodeAs[AttemptSubmit](env)
	case KindAttemptAck:
		return decodeAs[AttemptAck](env)
	case KindSnapshot:
		return decodeAs[Snapshot](env)
	case KindKick:
		return decodeAs[Kick](env)
	case KindError:
		return decodeAs[Error](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func decodeAs[T Message](env envelope) (Message, error) {
	var m T
	if len(env.Payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return m, nil
}
