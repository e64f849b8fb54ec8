package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/account"
)

// SavedSession is the durable login remembered between runs.
type SavedSession struct {
	SessionID string          `json:"session_id"`
	User      account.Profile `json:"user"`
}

// SessionLoader reads a saved session.
type SessionLoader interface {
	Load() (SavedSession, bool)
}

// FileSessionStore keeps one SavedSession as a JSON file.
type FileSessionStore struct {
	path   string
	logger *zap.Logger
}

// NewFileSessionStore returns a store backed by path.
//
// Precondition: path must be non-empty; logger must be non-nil.
func NewFileSessionStore(path string, logger *zap.Logger) *FileSessionStore {
	return &FileSessionStore{path: path, logger: logger}
}

// Save writes s, replacing any earlier session.
func (f *FileSessionStore) Save(s SavedSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("saving session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	f.logger.Info("session saved", zap.String("username", s.User.Username))
	return nil
}

// Load returns the saved session. A missing, unreadable, or corrupt file
// reads as no session.
func (f *FileSessionStore) Load() (SavedSession, bool) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return SavedSession{}, false
	}
	if err != nil {
		f.logger.Warn("reading saved session", zap.String("path", f.path), zap.Error(err))
		return SavedSession{}, false
	}

	var s SavedSession
	if err := json.Unmarshal(data, &s); err != nil || s.SessionID == "" {
		f.logger.Warn("ignoring corrupt saved session", zap.String("path", f.path), zap.Error(err))
		return SavedSession{}, false
	}
	return s, true
}

// Clear forgets the saved session. Clearing an absent file succeeds.
func (f *FileSessionStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
