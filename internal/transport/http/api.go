// Package http exposes host control, snapshots and reports over plain HTTP.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/wire"
)

// AdminKeyHeader carries the host key on control requests.
const AdminKeyHeader = "X-Admin-Key"

// Sessions is the host service surface used by the API.
type Sessions interface {
	CreateSession(ctx context.Context, req app.CreateRequest) (domain.SessionInfo, error)
	Start(ctx context.Context, sessionID string) error
	SetActiveQuestion(ctx context.Context, sessionID string, index int) error
	Reveal(ctx context.Context, sessionID string) error
	Next(ctx context.Context, sessionID string) error
	Kick(ctx context.Context, sessionID, uid string) error
	End(ctx context.Context, sessionID string) error
	Regenerate(ctx context.Context, sessionID string) (domain.SessionInfo, error)
	SetLeaderboardHidden(ctx context.Context, sessionID string, hidden bool) error
	SetLocked(ctx context.Context, sessionID string, locked bool) error
	Snapshot(ctx context.Context, sessionID string) (domain.Snapshot, error)
	Report(ctx context.Context, sessionID string) (domain.Report, error)
}

// SessionHook is told about sessions opened through the API, including the
// replacement created by a regenerate.
type SessionHook func(ctx context.Context, info domain.SessionInfo)

type API struct {
	sessions       Sessions
	adminKey       string
	allowedOrigins []string
	hook           SessionHook
}

type Option func(*API)

// WithAllowedOrigins restricts CORS. All origins are allowed by default.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

func WithSessionHook(hook SessionHook) Option {
	return func(a *API) { a.hook = hook }
}

// NewAPI builds the API. Control endpoints require adminKey in the
// X-Admin-Key header; an empty key disables them.
func NewAPI(sessions Sessions, adminKey string, opts ...Option) *API {
	a := &API{sessions: sessions, adminKey: adminKey, allowedOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routes wrapped in CORS. ws, when set, is served at /ws.
func (a *API) Handler(ws http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /sessions/{id}/report", a.report)
	mux.HandleFunc("GET /sessions/{id}/snapshot", a.snapshot)

	mux.Handle("POST /sessions", a.admin(a.create))
	mux.Handle("POST /sessions/{id}/start", a.admin(a.action(a.sessions.Start)))
	mux.Handle("POST /sessions/{id}/questions/{index}", a.admin(a.activate))
	mux.Handle("POST /sessions/{id}/reveal", a.admin(a.action(a.sessions.Reveal)))
	mux.Handle("POST /sessions/{id}/next", a.admin(a.action(a.sessions.Next)))
	mux.Handle("POST /sessions/{id}/end", a.admin(a.action(a.sessions.End)))
	mux.Handle("POST /sessions/{id}/regenerate", a.admin(a.regenerate))
	mux.Handle("POST /sessions/{id}/kick/{uid}", a.admin(a.kick))
	mux.Handle("PUT /sessions/{id}/leaderboard-hidden", a.admin(a.toggle(a.sessions.SetLeaderboardHidden)))
	mux.Handle("PUT /sessions/{id}/locked", a.admin(a.toggle(a.sessions.SetLocked)))
	if ws != nil {
		mux.Handle("GET /ws", ws)
	}

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedOrigins: a.allowedOrigins,
		AllowedHeaders: []string{"Content-Type", AdminKeyHeader},
	})
	return c.Handler(mux)
}

func (a *API) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if a.adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, wire.Error{Code: wire.CodeUnauthenticated, Message: "admin key required"})
			return
		}
		next(w, r)
	})
}

type createRequest struct {
	QuizID      string `json:"quizId"`
	HostID      string `json:"hostId"`
	TeacherName string `json:"teacherName"`
	ClassroomID string `json:"classroomId"`
	JoinCode    string `json:"joinCode"`
}

// sessionResponse includes the token, which SessionInfo never serializes.
type sessionResponse struct {
	domain.SessionInfo
	Token string `json:"token"`
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: "invalid json body"})
		return
	}
	if req.QuizID == "" {
		writeJSON(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: "quizId is required"})
		return
	}
	info, err := a.sessions.CreateSession(r.Context(), app.CreateRequest{
		QuizID:      req.QuizID,
		HostID:      req.HostID,
		TeacherName: req.TeacherName,
		ClassroomID: req.ClassroomID,
		JoinCode:    req.JoinCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	a.opened(r.Context(), info)
	writeJSON(w, http.StatusCreated, sessionResponse{SessionInfo: info, Token: info.Token})
}

func (a *API) regenerate(w http.ResponseWriter, r *http.Request) {
	info, err := a.sessions.Regenerate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	a.opened(r.Context(), info)
	writeJSON(w, http.StatusCreated, sessionResponse{SessionInfo: info, Token: info.Token})
}

func (a *API) opened(ctx context.Context, info domain.SessionInfo) {
	if a.hook != nil {
		a.hook(ctx, info)
	}
}

func (a *API) action(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		a.writeSnapshot(w, r, id)
	}
}

func (a *API) activate(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: "question index must be a number"})
		return
	}
	id := r.PathValue("id")
	if err := a.sessions.SetActiveQuestion(r.Context(), id, index); err != nil {
		writeError(w, err)
		return
	}
	a.writeSnapshot(w, r, id)
}

func (a *API) kick(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.Kick(r.Context(), id, r.PathValue("uid")); err != nil {
		writeError(w, err)
		return
	}
	a.writeSnapshot(w, r, id)
}

type toggleRequest struct {
	Value bool `json:"value"`
}

func (a *API) toggle(fn func(context.Context, string, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: "invalid json body"})
			return
		}
		id := r.PathValue("id")
		if err := fn(r.Context(), id, req.Value); err != nil {
			writeError(w, err)
			return
		}
		a.writeSnapshot(w, r, id)
	}
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request) {
	a.writeSnapshot(w, r, r.PathValue("id"))
}

func (a *API) writeSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := a.sessions.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) report(w http.ResponseWriter, r *http.Request) {
	report, err := a.sessions.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrQuestionNotFound):
		writeJSON(w, http.StatusNotFound, wire.Error{Code: wire.CodeNotFound, Message: err.Error()})
	case domain.IsTransitionError(err), errors.Is(err, domain.ErrSessionEnded):
		writeJSON(w, http.StatusConflict, wire.Error{Code: wire.CodeInvalidTransition, Message: err.Error()})
	case errors.Is(err, domain.ErrEmptyQuiz):
		writeJSON(w, http.StatusUnprocessableEntity, wire.Error{Code: wire.CodeBadRequest, Message: err.Error()})
	case errors.Is(err, domain.ErrJoinCodesExhausted):
		writeJSON(w, http.StatusServiceUnavailable, wire.Error{Code: wire.CodeInternal, Message: err.Error()})
	default:
		log.Error().Err(err).Msg("api request failed")
		writeJSON(w, http.StatusInternalServerError, wire.Error{Code: wire.CodeInternal, Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
