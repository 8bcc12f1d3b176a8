// Package cursor persists the per-conversation "last seen" pointer that the
// dispatch pipeline uses to dedup replayed events across restarts.
package cursor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const fileVersion = 1

type document struct {
	Version int              `json:"version"`
	Cursors map[string]int64 `json:"cursors"`
}

// Store is a crash-safe map of conversation id to last-seen rowid. The whole
// map lives in one JSON document, rewritten atomically on every advance.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

// Open loads the cursor file at path, creating an empty store if it does not
// exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    path,
		logger:  logger.With("component", "cursor"),
		cursors: make(map[string]int64),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cursor file %s: %w", path, err)
	}
	if doc.Cursors != nil {
		s.cursors = doc.Cursors
	}
	return s, nil
}

// Get returns the stored rowid for a conversation, or false if this is the
// first contact.
func (s *Store) Get(conversationID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[conversationID]
	return v, ok
}

// Advance moves a conversation's cursor forward and persists the change.
// A rowid at or below the stored value is a no-op, never an error; the
// returned bool reports whether the cursor actually moved.
func (s *Store) Advance(conversationID string, rowid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cursors[conversationID]
	if ok && rowid <= current {
		s.logger.Debug("cursor regression ignored",
			"conversation_id", conversationID, "rowid", rowid, "current", current)
		return false, nil
	}
	s.cursors[conversationID] = rowid
	if err := s.save(); err != nil {
		// Roll back so a retry starts from the persisted truth.
		if ok {
			s.cursors[conversationID] = current
		} else {
			delete(s.cursors, conversationID)
		}
		return false, err
	}
	return true, nil
}

// MaxRowid returns the highest rowid across all conversations. Zero means no
// event has ever been seen; callers subscribing after a restart use it as the
// catch-up boundary.
func (s *Store) MaxRowid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, v := range s.cursors {
		if v > max {
			max = v
		}
	}
	return max
}

// save writes the document atomically. Caller holds s.mu.
func (s *Store) save() error {
	doc := document{Version: fileVersion, Cursors: s.cursors}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursors: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cursors-*.json")
	if err != nil {
		return fmt.Errorf("create temp cursor file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cursor file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}
