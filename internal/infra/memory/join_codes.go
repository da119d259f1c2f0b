package memory

import (
	"context"
	"sync"
)

// JoinCodes reserves join codes within a single host process.
type JoinCodes struct {
	mu    sync.Mutex
	codes map[string]string
}

func NewJoinCodes() *JoinCodes {
	return &JoinCodes{codes: make(map[string]string)}
}

func (j *JoinCodes) Reserve(_ context.Context, code, sessionID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if owner, ok := j.codes[code]; ok {
		return owner == sessionID, nil
	}
	j.codes[code] = sessionID
	return true, nil
}

func (j *JoinCodes) Release(_ context.Context, code string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.codes, code)
	return nil
}
