// Package binding persists the per-user mapping from chat identity to
// active session and working directory. One JSON document per transport
// channel; the file is owned exclusively by this process.
package binding

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sjoeboo/codexrelay/internal/logging"
)

// Binding is the durable per-user state.
type Binding struct {
	// ActiveSessionID is the session resumed by plain-text turns.
	// Empty means no session bound yet.
	ActiveSessionID string `json:"active_session_id,omitempty"`

	// ActiveCWD is the working directory for the next invocation
	ActiveCWD string `json:"active_cwd,omitempty"`

	// PendingNewSession is set by /new and consumed by the next
	// plain-text message
	PendingNewSession bool `json:"pending_new_session,omitempty"`
}

// document is the on-disk shape: { "users": { user_key: binding } }
type document struct {
	Users map[string]Binding `json:"users"`
}

// Store reads and writes one binding document. All mutators are
// read-modify-persist under an exclusive process-local lock; the file is
// replaced wholesale with a temp-write + fsync + atomic rename, so a
// half-written document is never observable.
type Store struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

// NewStore creates a store backed by the JSON document at path.
// The file not existing yet is fine.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		log:  logging.ForComponent(logging.CompBinding),
	}
}

// Path returns the backing document path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the binding for userKey, or a zero binding. It never fails:
// a missing or unreadable document reads as empty.
func (s *Store) Get(userKey string) Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		s.log.Warn("binding document unreadable, treating as empty", "path", s.path, "error", err)
		return Binding{}
	}
	return doc.Users[userKey]
}

// SetActive replaces the active session and cwd for userKey and clears
// the pending-new-session flag.
func (s *Store) SetActive(userKey, sessionID, cwd string) error {
	return s.update(userKey, func(b *Binding) {
		b.ActiveSessionID = sessionID
		b.ActiveCWD = cwd
		b.PendingNewSession = false
	})
}

// MarkPendingNew sets the pending-new-session flag and updates the cwd
// without touching the active session id.
func (s *Store) MarkPendingNew(userKey, cwd string) error {
	return s.update(userKey, func(b *Binding) {
		b.PendingNewSession = true
		b.ActiveCWD = cwd
	})
}

// ClearPending unconditionally clears the pending-new-session flag.
func (s *Store) ClearPending(userKey string) error {
	return s.update(userKey, func(b *Binding) {
		b.PendingNewSession = false
	})
}

// update is the shared read-modify-persist cycle. Other users' entries
// are always carried through untouched.
func (s *Store) update(userKey string, mutate func(*Binding)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return fmt.Errorf("read binding document: %w", err)
	}

	b := doc.Users[userKey]
	mutate(&b)
	doc.Users[userKey] = b

	if err := s.persist(doc); err != nil {
		return fmt.Errorf("write binding document: %w", err)
	}
	return nil
}

// load reads the document. Missing file = empty store.
// Caller holds s.mu.
func (s *Store) load() (*document, error) {
	doc := &document{Users: make(map[string]Binding)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Users == nil {
		doc.Users = make(map[string]Binding)
	}
	return doc, nil
}

// persist writes the document atomically. Caller holds s.mu.
func (s *Store) persist(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	// Temp write + fsync + rename so the document on disk is always
	// either the old or the new version, never a torn one.
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := syncFile(tmpPath); err != nil {
		s.log.Warn("fsync failed", "path", tmpPath, "error", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
