package store

import (
	"os"
	"path/filepath"

	"github.com/magic2k/magichat/internal/chat"
)

const sessionFile = "session.json"

// SaveUser remembers who is logged in between runs.
func (s *Store) SaveUser(u chat.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(sessionFile, u)
}

// User returns the logged-in user, if a session exists.
func (s *Store) User() (chat.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u chat.User
	s.readJSON(sessionFile, &u)
	return u, u.ID != ""
}

// ClearSession removes the remembered user together with the tokens.
func (s *Store) ClearSession() error {
	s.mu.Lock()
	err := os.Remove(filepath.Join(s.dir, sessionFile))
	s.mu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.ClearTokens()
}
