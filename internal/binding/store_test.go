package binding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestGetMissingFileReturnsEmptyBinding(t *testing.T) {
	s := newTestStore(t)

	b := s.Get("user-1")
	assert.Equal(t, Binding{}, b)
}

func TestSetActiveRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetActive("user-1", "sess-abc", "/tmp/proj"))

	b := s.Get("user-1")
	assert.Equal(t, "sess-abc", b.ActiveSessionID)
	assert.Equal(t, "/tmp/proj", b.ActiveCWD)
	assert.False(t, b.PendingNewSession)
}

func TestSetActiveClearsPendingFlag(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.MarkPendingNew("user-1", "/tmp"))
	require.True(t, s.Get("user-1").PendingNewSession)

	require.NoError(t, s.SetActive("user-1", "sess-1", "/tmp"))
	assert.False(t, s.Get("user-1").PendingNewSession)
}

func TestMarkPendingNewKeepsActiveSession(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetActive("user-1", "sess-1", "/old"))
	require.NoError(t, s.MarkPendingNew("user-1", "/new"))

	b := s.Get("user-1")
	assert.Equal(t, "sess-1", b.ActiveSessionID)
	assert.Equal(t, "/new", b.ActiveCWD)
	assert.True(t, b.PendingNewSession)
}

func TestClearPending(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.MarkPendingNew("user-1", "/tmp"))
	require.NoError(t, s.ClearPending("user-1"))
	assert.False(t, s.Get("user-1").PendingNewSession)

	// Clearing a user that was never written is a no-op, not an error
	require.NoError(t, s.ClearPending("nobody"))
}

func TestUpdatePreservesOtherUsers(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetActive("alice", "sess-a", "/a"))
	require.NoError(t, s.SetActive("bob", "sess-b", "/b"))
	require.NoError(t, s.MarkPendingNew("alice", "/a2"))

	assert.Equal(t, "sess-b", s.Get("bob").ActiveSessionID)
	assert.Equal(t, "/b", s.Get("bob").ActiveCWD)
}

func TestReopenedStoreSeesSameState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := NewStore(path)
	require.NoError(t, first.SetActive("user-1", "sess-1", "/tmp"))

	second := NewStore(path)
	assert.Equal(t, first.Get("user-1"), second.Get("user-1"))
}

func TestDocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)
	require.NoError(t, s.SetActive("12345", "sess-1", "/tmp"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	users, ok := doc["users"]
	require.True(t, ok, "document must nest bindings under \"users\"")
	assert.Equal(t, "sess-1", users["12345"]["active_session_id"])
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "state.json"))
	require.NoError(t, s.SetActive("user-1", "sess-1", "/tmp"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCorruptDocumentDegradesToEmptyOnGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	s := NewStore(path)
	assert.Equal(t, Binding{}, s.Get("user-1"))
}

func TestCorruptDocumentFailsMutators(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	s := NewStore(path)
	err := s.SetActive("user-1", "sess-1", "/tmp")
	// Mutating on top of a corrupt document must not silently destroy it
	assert.Error(t, err)
}

func TestConcurrentMutatorsLoseNoUpdates(t *testing.T) {
	s := newTestStore(t)

	const users = 8
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("user-%d", i)
			for j := 0; j < 10; j++ {
				_ = s.SetActive(key, fmt.Sprintf("sess-%d-%d", i, j), "/tmp")
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		key := fmt.Sprintf("user-%d", i)
		b := s.Get(key)
		assert.Equal(t, fmt.Sprintf("sess-%d-9", i), b.ActiveSessionID, "user %s lost its final update", key)
	}
}
