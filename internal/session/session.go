// Package session provides the identity and authorization capabilities the
// record store and the remote client consume.
//
// The auth provider writes session.json next to the database. The file
// holds the signed-in owner, the bearer token for the sync API, and the
// user's storage consent. A missing file means anonymous without consent.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileName is the session file name inside the data directory.
const FileName = "session.json"

// ErrSignedOut is returned by Token when no one is signed in.
var ErrSignedOut = errors.New("not signed in")

// Session is one snapshot of the session file. It satisfies the store's
// Authorizer and Identity and the remote client's TokenSource, which makes
// a literal Session the static provider used in tests.
type Session struct {
	OwnerID     string `json:"owner_id,omitempty"`
	AccessToken string `json:"token,omitempty"`
	Consent     bool   `json:"consent"`
}

func (s Session) HasConsent() bool { return s.Consent }

func (s Session) CurrentOwnerID() (string, bool) { return s.OwnerID, s.OwnerID != "" }

// Token returns the bearer token, or ErrSignedOut.
func (s Session) Token() (string, error) {
	if s.AccessToken == "" {
		return "", ErrSignedOut
	}
	return s.AccessToken, nil
}

// SignedIn reports whether the session has both an owner and a token.
func (s Session) SignedIn() bool {
	return s.OwnerID != "" && s.AccessToken != ""
}

// File is a Session backed by a JSON file. Reads serve the last loaded
// snapshot; Reload picks up changes made by the auth provider.
type File struct {
	path   string
	logger *zap.Logger

	mu  sync.RWMutex
	cur Session
}

// Open loads the session file at path. A missing file is not an error.
func Open(path string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{path: path, logger: logger.Named("session")}
	if _, err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Reload re-reads the file and returns the new snapshot. A missing file
// resets the session to anonymous without consent.
func (f *File) Reload() (Session, error) {
	var next Session
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Session{}, fmt.Errorf("failed to read session file: %w", err)
	default:
		if err := json.Unmarshal(data, &next); err != nil {
			return Session{}, fmt.Errorf("failed to parse session file %s: %w", f.path, err)
		}
	}

	f.mu.Lock()
	prev := f.cur
	f.cur = next
	f.mu.Unlock()

	if prev.OwnerID != next.OwnerID || prev.Consent != next.Consent {
		f.logger.Info("session changed",
			zap.String("owner", next.OwnerID),
			zap.Bool("consent", next.Consent))
	}
	return next, nil
}

// Current returns the loaded snapshot.
func (f *File) Current() Session {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cur
}

func (f *File) HasConsent() bool { return f.Current().HasConsent() }

func (f *File) CurrentOwnerID() (string, bool) { return f.Current().CurrentOwnerID() }

func (f *File) Token() (string, error) { return f.Current().Token() }

// Save writes s atomically and makes it the current snapshot.
func (f *File) Save(s Session) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	f.mu.Lock()
	f.cur = s
	f.mu.Unlock()
	return nil
}
