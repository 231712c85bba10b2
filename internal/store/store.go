// Package store persists the client-side state the chat UI keeps between
// runs: tokens, presence choice, status message and per-contact display
// names. Everything lives as small JSON files under one directory.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("store")

const (
	tokensFile = "tokens.json"
	prefsFile  = "prefs.json"
)

// DefaultDir returns ~/.magichat.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".magichat"), nil
}

type tokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token,omitempty"`
}

type Preferences struct {
	Presence     string            `json:"presence,omitempty"` // online, away, busy, invisible
	StatusMsg    string            `json:"status_msg,omitempty"`
	DisplayNames map[string]string `json:"display_names,omitempty"` // contact id -> override
}

type Store struct {
	mu  sync.Mutex
	dir string
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// SaveTokens writes the access token and, when non-empty, the refresh token.
// A refresh of the access token alone keeps the stored refresh token, the way
// the refresh endpoint response only carries a new access token.
func (s *Store) SaveTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.readTokens()
	t.Access = access
	if refresh != "" {
		t.Refresh = refresh
	}
	return s.writeJSON(tokensFile, t)
}

// AccessToken returns the stored access token. Unreadable or missing storage
// means no session: the caller ends up on the login path.
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTokens().Access
}

func (s *Store) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTokens().Refresh
}

func (s *Store) ClearTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, tokensFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p Preferences
	s.readJSON(prefsFile, &p)
	return p
}

func (s *Store) SavePreferences(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(prefsFile, p)
}

func (s *Store) SetPresence(state string) error {
	p := s.Preferences()
	p.Presence = state
	return s.SavePreferences(p)
}

func (s *Store) SetStatusMsg(msg string) error {
	p := s.Preferences()
	p.StatusMsg = msg
	return s.SavePreferences(p)
}

func (s *Store) SetDisplayName(contactID, name string) error {
	p := s.Preferences()
	if p.DisplayNames == nil {
		p.DisplayNames = map[string]string{}
	}
	if name == "" {
		delete(p.DisplayNames, contactID)
	} else {
		p.DisplayNames[contactID] = name
	}
	return s.SavePreferences(p)
}

// DisplayName returns the local override for a contact, or empty when none.
func (s *Store) DisplayName(contactID string) string {
	return s.Preferences().DisplayNames[contactID]
}

func (s *Store) readTokens() tokens {
	var t tokens
	s.readJSON(tokensFile, &t)
	return t
}

func (s *Store) readJSON(name string, v interface{}) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warningf("read %s: %s", name, err)
		}
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warningf("parse %s: %s", name, err)
	}
}

func (s *Store) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), data, 0o600)
}
