package memory

import (
	"fmt"
	"sync"

	"quizlive/internal/app"
	"quizlive/internal/domain"
)

// Registry is an in-memory implementation of app.SessionRepository keyed by
// session id, with secondary indexes for join codes and tokens.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*app.Session
	byCode   map[string]string
	byToken  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*app.Session),
		byCode:   make(map[string]string),
		byToken:  make(map[string]string),
	}
}

// Put registers session. A join code still indexed for an ended session is
// taken over, since ending releases the code; the ended session stays
// reachable by id.
func (r *Registry) Put(session *app.Session) error {
	info := session.Info()
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.byCode[info.JoinCode]; ok && other != info.ID {
		if prev, ok := r.sessions[other]; ok && prev.Status() != domain.StatusEnded {
			return fmt.Errorf("join code %s already registered by session %s", info.JoinCode, other)
		}
	}
	r.sessions[info.ID] = session
	r.byCode[info.JoinCode] = info.ID
	r.byToken[info.Token] = info.ID
	return nil
}

func (r *Registry) Get(sessionID string) (*app.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

func (r *Registry) FindByJoinCode(joinCode string) (*app.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[joinCode]
	if !ok {
		return nil, false
	}
	session, ok := r.sessions[id]
	return session, ok
}

func (r *Registry) FindByToken(token string) (*app.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	session, ok := r.sessions[id]
	return session, ok
}

func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	info := session.Info()
	delete(r.sessions, sessionID)
	if r.byCode[info.JoinCode] == sessionID {
		delete(r.byCode, info.JoinCode)
	}
	if r.byToken[info.Token] == sessionID {
		delete(r.byToken, info.Token)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
