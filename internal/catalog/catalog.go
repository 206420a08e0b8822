// Package catalog provides a read-only view over the codex session store:
// a directory tree of append-only .jsonl records written by the external
// codex process. The catalog never creates, deletes or mutates records,
// it only reads and ranks them.
package catalog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sjoeboo/codexrelay/internal/logging"
)

// HistoryDefault is the number of messages History returns when the caller
// passes limit <= 0. HistoryMax is the hard cap.
const (
	HistoryDefault = 10
	HistoryMax     = 50
)

// titleScanLines bounds how far into a record we look for the first user
// message when deriving a title. Long sessions can start with many
// non-message events.
const titleScanLines = 240

// ErrNotFound is returned when no session record matches the requested id.
var ErrNotFound = errors.New("session not found")

// Record is the summarized metadata of one session record on disk.
type Record struct {
	// ID is the opaque session identifier from the record's meta line
	ID string

	// Title is a best-effort label: the first user message, compacted,
	// falling back to a truncated id
	Title string

	// CWD is the working directory recorded in the meta line
	CWD string

	// Path is the backing .jsonl file
	Path string

	// LastActivity is the file modification time. Recency ordering uses
	// this, not the recorded creation timestamp, so a resumed old session
	// moves to the top.
	LastActivity time.Time
}

// ShortID returns the first 8 characters of the session id for display.
func (r *Record) ShortID() string {
	if len(r.ID) <= 8 {
		return r.ID
	}
	return r.ID[:8]
}

// Message is one replayed conversation turn.
type Message struct {
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time // zero when the record line carries none
}

// Store scans a codex session root on demand. Parsed metadata is cached
// per file keyed on (mtime, size); a warm cache must produce the same
// results as a cold rescan.
type Store struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedMeta

	// watcher lifecycle, see watch.go
	watchCancel func()
	watchDone   chan struct{}
}

type cachedMeta struct {
	modTime time.Time
	size    int64
	rec     Record
}

// NewStore creates a catalog over the given session root. The root not
// existing is fine: it reads as an empty store.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		log:   logging.ForComponent(logging.CompCatalog),
		cache: make(map[string]cachedMeta),
	}
}

// Root returns the session root directory.
func (s *Store) Root() string {
	return s.root
}

// ListRecent returns up to limit records, most recently active first.
// An empty or missing store yields an empty slice, not an error.
// Malformed records are skipped with a warning.
func (s *Store) ListRecent(limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	files, err := s.sessionFiles()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, limit)
	for _, f := range files {
		rec, ok := s.meta(f.path, f.modTime, f.size)
		if !ok {
			continue
		}
		records = append(records, rec)
		if len(records) >= limit {
			break
		}
	}
	return records, nil
}

// FindByID returns the record with the given session id, or ErrNotFound.
func (s *Store) FindByID(id string) (Record, error) {
	if id == "" {
		return Record{}, ErrNotFound
	}

	files, err := s.sessionFiles()
	if err != nil {
		return Record{}, err
	}

	for _, f := range files {
		rec, ok := s.meta(f.path, f.modTime, f.size)
		if !ok {
			continue
		}
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// History replays the record for the given session id and returns the
// last limit messages, oldest first within the returned window.
// limit <= 0 means HistoryDefault; anything above HistoryMax is clamped.
func (s *Store) History(id string, limit int) (Record, []Message, error) {
	rec, err := s.FindByID(id)
	if err != nil {
		return Record{}, nil, err
	}

	if limit <= 0 {
		limit = HistoryDefault
	}
	if limit > HistoryMax {
		limit = HistoryMax
	}

	msgs, err := replayMessages(rec.Path)
	if err != nil {
		// The record vanished or became unreadable between the scan
		// and the replay. Treat as not found, not a crash.
		s.log.Warn("history replay failed", "path", rec.Path, "error", err)
		return Record{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return rec, msgs, nil
}

type sessionFile struct {
	path    string
	modTime time.Time
	size    int64
}

// sessionFiles walks the root and returns all .jsonl files, newest first.
func (s *Store) sessionFiles() ([]sessionFile, error) {
	if _, err := os.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat session root: %w", err)
	}

	var files []sessionFile
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, sessionFile{path: path, modTime: info.ModTime(), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk session root: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

// meta returns the parsed record for a session file, from cache when the
// file is unchanged. ok is false for malformed records.
func (s *Store) meta(path string, modTime time.Time, size int64) (Record, bool) {
	s.mu.Lock()
	if c, hit := s.cache[path]; hit && c.modTime.Equal(modTime) && c.size == size {
		rec := c.rec
		s.mu.Unlock()
		return rec, true
	}
	s.mu.Unlock()

	rec, err := parseRecord(path)
	if err != nil {
		s.log.Warn("skipping malformed session record", "path", path, "error", err)
		return Record{}, false
	}
	rec.LastActivity = modTime

	s.mu.Lock()
	s.cache[path] = cachedMeta{modTime: modTime, size: size, rec: rec}
	s.mu.Unlock()
	return rec, true
}

// invalidate drops the cached metadata for a path.
func (s *Store) invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
}

// recordLine is one line of a codex session record.
type recordLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   struct {
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		CWD       string `json:"cwd"`
		Type      string `json:"type"`
		Message   string `json:"message"`
	} `json:"payload"`
}

// parseRecord reads the meta line and derives a title for one record.
func parseRecord(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return Record{}, fmt.Errorf("empty record")
	}

	var meta recordLine
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return Record{}, fmt.Errorf("meta line: %w", err)
	}
	if meta.Type != "session_meta" || meta.Payload.ID == "" {
		return Record{}, fmt.Errorf("missing session_meta")
	}

	rec := Record{
		ID:   meta.Payload.ID,
		CWD:  meta.Payload.CWD,
		Path: path,
	}

	// Title: first non-empty user message within the scan window
	for i := 0; i < titleScanLines && scanner.Scan(); i++ {
		var line recordLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "event_msg" || line.Payload.Type != "user_message" {
			continue
		}
		if text := strings.TrimSpace(line.Payload.Message); text != "" {
			rec.Title = CompactTitle(text)
			break
		}
	}
	if rec.Title == "" {
		rec.Title = "session " + rec.ShortID()
	}
	return rec, nil
}

// replayMessages streams a record and collects user and agent turns.
func replayMessages(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line recordLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "event_msg" {
			continue
		}
		var role string
		switch line.Payload.Type {
		case "user_message":
			role = "user"
		case "agent_message":
			role = "assistant"
		default:
			continue
		}
		text := strings.TrimSpace(line.Payload.Message)
		if text == "" {
			continue
		}
		msgs = append(msgs, Message{
			Role:      role,
			Text:      text,
			Timestamp: parseLineTime(line.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func parseLineTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		ts, err = time.Parse("2006-01-02T15:04:05.999Z", raw)
		if err != nil {
			return time.Time{}
		}
	}
	return ts
}

// CompactTitle collapses whitespace and truncates to a display-sized label.
func CompactTitle(text string) string {
	return compact(text, 46)
}

// CompactMessage collapses whitespace and truncates for history listings.
func CompactMessage(text string) string {
	return compact(text, 320)
}

func compact(text string, limit int) string {
	oneLine := strings.Join(strings.Fields(text), " ")
	if len([]rune(oneLine)) <= limit {
		return oneLine
	}
	runes := []rune(oneLine)
	return string(runes[:limit-1]) + "…"
}
