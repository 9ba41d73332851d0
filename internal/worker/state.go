package worker

import (
	"sync"

	"agentchat/internal/models"
)

// userState caches the sessions a user is chatting in, so turns skip the store lookup.
type userState struct {
	mu       sync.RWMutex
	sessions map[int64]*models.Session
}

func newUserState() *userState {
	return &userState{sessions: make(map[int64]*models.Session)}
}

func (s *userState) setSession(session *models.Session) {
	if session == nil {
		return
	}
	cp := *session
	s.mu.Lock()
	s.sessions[session.ID] = &cp
	s.mu.Unlock()
}

func (s *userState) getSession(sessionID int64) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *se
	return &cp
}

func (s *userState) purgeCache(sessionID int64) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *userState) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
