package tts

import (
	"net/http"
	"sync"
)

// session is the HTTP client the service talks through. Whoever created it closes it.
type session interface {
	client() (HTTPClient, error)
	// close releases an owned client and reports whether anything was closed
	close() bool
	owned() bool
}

type ownedSession struct {
	mu sync.Mutex
	c  *http.Client
}

func newOwnedSession() *ownedSession {
	return &ownedSession{c: &http.Client{}}
}

func (s *ownedSession) client() (HTTPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, ErrSessionClosed
	}
	return s.c, nil
}

func (s *ownedSession) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return false
	}
	s.c.CloseIdleConnections()
	s.c = nil
	return true
}

func (s *ownedSession) owned() bool { return true }

type borrowedSession struct {
	c HTTPClient
}

func (s borrowedSession) client() (HTTPClient, error) { return s.c, nil }

func (s borrowedSession) close() bool { return false }

func (s borrowedSession) owned() bool { return false }
