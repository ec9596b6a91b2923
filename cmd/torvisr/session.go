package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Session is a token saved by login.
type Session struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	ServerURL string    `json:"server_url"`
}

func (s *Session) expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// sessionFile keeps one session per daemon URL; Current is the last login.
type sessionFile struct {
	Current  string              `json:"current"`
	Sessions map[string]*Session `json:"sessions"`
}

// SessionStore persists tokens so later commands can skip --api-url and
// credentials.
type SessionStore struct {
	path string
}

// NewSessionStore uses <user config dir>/torvisr/sessions.json.
func NewSessionStore() *SessionStore {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return newSessionStoreAt(filepath.Join(dir, "torvisr"))
}

func newSessionStoreAt(dir string) *SessionStore {
	return &SessionStore{path: filepath.Join(dir, "sessions.json")}
}

func (s *SessionStore) Path() string { return s.path }

// Save stores sess and makes it current.
func (s *SessionStore) Save(sess *Session) error {
	f, err := s.read()
	if err != nil {
		return err
	}
	f.Sessions[sess.ServerURL] = sess
	f.Current = sess.ServerURL
	return s.write(f)
}

// Current returns the session of the last login, nil when there is none
// or it expired.
func (s *SessionStore) Current() (*Session, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	return f.Sessions[f.Current], nil
}

// For returns the live session for serverURL, if any.
func (s *SessionStore) For(serverURL string) (*Session, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	return f.Sessions[serverURL], nil
}

// Clear forgets the session for serverURL, or the current one when empty.
// The file is removed once no session is left.
func (s *SessionStore) Clear(serverURL string) error {
	f, err := s.read()
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = f.Current
	}
	delete(f.Sessions, serverURL)
	if f.Current == serverURL {
		f.Current = ""
	}
	return s.write(f)
}

// read loads the file and drops expired sessions.
func (s *SessionStore) read() (*sessionFile, error) {
	f := &sessionFile{Sessions: map[string]*Session{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	if f.Sessions == nil {
		f.Sessions = map[string]*Session{}
	}
	now := time.Now()
	for url, sess := range f.Sessions {
		if sess == nil || sess.expired(now) {
			delete(f.Sessions, url)
		}
	}
	if f.Sessions[f.Current] == nil {
		f.Current = ""
	}
	return f, nil
}

func (s *SessionStore) write(f *sessionFile) error {
	if len(f.Sessions) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
