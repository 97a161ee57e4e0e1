// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/util"
)

// =============================================================================
// SAVED SESSION TYPE
// =============================================================================

// SavedSession is a named snapshot of a transcript.
type SavedSession struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Messages  []model.Message `json:"messages"`
}

// Meta returns the index entry for the session.
func (s *SavedSession) Meta() SessionMeta {
	return SessionMeta{ID: s.ID, Name: s.Name, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

// SessionMeta contains metadata for listing sessions.
type SessionMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultName is used when a session is saved without a name.
func DefaultName(id string) string {
	return "Chat " + id
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore handles saved-session persistence. Safe for concurrent use.
// Concurrent saves to the same id are last-write-wins.
type SessionStore struct {
	// BaseDir is the directory holding <id>.json files
	BaseDir string

	mu    sync.RWMutex
	index map[string]SessionMeta
}

// NewSessionStore creates the directory if needed and builds the index.
func NewSessionStore(baseDir string) (*SessionStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create saved sessions directory: %w", err)
	}

	s := &SessionStore{
		BaseDir: baseDir,
		index:   make(map[string]SessionMeta),
	}
	if _, err := s.Reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reindex rebuilds the index by scanning BaseDir. Unparsable files are
// skipped and logged. Returns the number of indexed sessions.
func (s *SessionStore) Reindex() (int, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read saved sessions directory: %w", err)
	}

	index := make(map[string]SessionMeta, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isSessionFile(entry.Name()) {
			continue
		}
		meta, err := s.readMeta(filepath.Join(s.BaseDir, entry.Name()))
		if err != nil {
			log.Printf("SESSION_SKIPPED | file=%s error=%v", entry.Name(), err)
			continue
		}
		index[meta.ID] = meta
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	log.Printf("SESSIONS_INDEXED | dir=%s count=%d", s.BaseDir, len(index))
	return len(index), nil
}

// readMeta parses a session file into an index entry. The id is the file
// name; missing names and timestamps get defaults.
func (s *SessionStore) readMeta(path string) (SessionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SessionMeta{}, err
	}

	var sess SavedSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return SessionMeta{}, err
	}

	meta := SessionMeta{
		ID:        strings.TrimSuffix(filepath.Base(path), ".json"),
		Name:      sess.Name,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if meta.Name == "" {
		meta.Name = DefaultName(meta.ID)
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}
	return meta, nil
}

// =============================================================================
// LIST
// =============================================================================

// List returns all sessions, most recently updated first.
func (s *SessionStore) List() []SessionMeta {
	s.mu.RLock()
	metas := make([]SessionMeta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, m)
	}
	s.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].ID < metas[j].ID
		}
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas
}

// Count returns the number of indexed sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// =============================================================================
// SAVE / LOAD
// =============================================================================

// Save creates or replaces the session with the given id. Attachments are
// reduced to name, type and size. An existing session keeps its createdAt.
func (s *SessionStore) Save(id, name string, messages []model.Message) (*SavedSession, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultName(id)
	}
	if messages == nil {
		messages = []model.Message{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess := &SavedSession{
		ID:        id,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  model.StripMessages(messages),
	}
	if existing, ok := s.index[id]; ok {
		sess.CreatedAt = existing.CreatedAt
	}

	if err := s.writeLocked(sess); err != nil {
		return nil, err
	}
	log.Printf("SESSION_SAVED | id=%s name=%q messages=%d", id, util.TruncateRunes(name, 40), len(messages))
	return sess, nil
}

// Load retrieves a session by id.
func (s *SessionStore) Load(id string) (*SavedSession, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id)
}

// Rename changes a session's name and refreshes updatedAt.
func (s *SessionStore) Rename(id, newName string) (*SavedSession, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(newName) == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	sess.Name = newName
	sess.UpdatedAt = time.Now().UTC()

	if err := s.writeLocked(sess); err != nil {
		return nil, err
	}
	log.Printf("SESSION_RENAMED | id=%s name=%q", id, util.TruncateRunes(newName, 40))
	return sess, nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *SessionStore) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	delete(s.index, id)
	log.Printf("SESSION_DELETED | id=%s", id)
	return nil
}

// =============================================================================
// INDEX MAINTENANCE
// =============================================================================

// refresh re-reads one session file into the index, or drops the entry when
// the file is gone or unparsable.
func (s *SessionStore) refresh(id string) {
	meta, err := s.readMeta(s.filePath(id))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if _, known := s.index[id]; known {
			delete(s.index, id)
			log.Printf("SESSION_UNINDEXED | id=%s error=%v", id, err)
		}
		return
	}
	s.index[id] = meta
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (s *SessionStore) readLocked(id string) (*SavedSession, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var sess SavedSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	sess.ID = id
	if sess.Name == "" {
		sess.Name = DefaultName(id)
	}
	if sess.Messages == nil {
		sess.Messages = []model.Message{}
	}
	return &sess, nil
}

func (s *SessionStore) writeLocked(sess *SavedSession) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(s.filePath(sess.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", sess.ID, err)
	}
	s.index[sess.ID] = sess.Meta()
	return nil
}

// filePath returns the file path for a session ID.
func (s *SessionStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

func isSessionFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// validateID rejects ids that are empty or would leave BaseDir.
func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: id must not be empty", ErrInvalidArgument)
	case strings.ContainsAny(id, "/\\\x00"), strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: invalid id %q", ErrInvalidArgument, id)
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned when a session doesn't exist.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = &SessionError{Message: "session not found"}

// ErrInvalidArgument is returned for empty ids or names.
var ErrInvalidArgument = &SessionError{Message: "invalid argument"}

// SessionError represents a session-related error.
// It implements the error interface and can be compared using errors.Is.
type SessionError struct {
	Message string
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing session errors.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
