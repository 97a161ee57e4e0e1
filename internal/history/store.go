// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/util"
)

// Store is the process-wide transcript. All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	path     string
	messages []model.Message
}

// New creates an empty store that persists to path. An empty path keeps the
// transcript in memory only.
func New(path string) *Store {
	return &Store{path: path, messages: []model.Message{}}
}

// Open creates a store and loads any transcript already at path.
func Open(path string) *Store {
	s := New(path)
	if err := s.Load(); err != nil {
		log.Printf("HISTORY_LOAD_FAILED | path=%s error=%v", path, err)
	}
	return s
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// =============================================================================
// LOAD
// =============================================================================

// Load replaces the in-memory transcript with the file contents. A missing
// file is not an error. On any other failure the transcript is reset to empty
// and the error is returned for logging.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = []model.Message{}
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read history: %w", err)
	}

	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("failed to parse history: %w", err)
	}
	if msgs != nil {
		s.messages = msgs
	}
	log.Printf("HISTORY_LOADED | path=%s messages=%d", s.path, len(s.messages))
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Append adds msg to the end of the transcript and flushes it to disk.
func (s *Store) Append(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg.Clone())
	s.flushLocked()
}

// AppendWindow appends msg, flushes, and returns the last n messages as one
// step, so the window always ends with msg even when other connections are
// appending concurrently.
func (s *Store) AppendWindow(msg model.Message, n int) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg.Clone())
	s.flushLocked()

	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	return model.CloneMessages(s.messages[start:])
}

// RemoveLast pops the most recent message and flushes. It reports false when
// the transcript is empty.
func (s *Store) RemoveLast() (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return model.Message{}, false
	}
	last := s.messages[len(s.messages)-1]
	s.messages = s.messages[:len(s.messages)-1]
	s.flushLocked()
	return last, true
}

// Rollback removes the most recent message matching msg's role, content and
// timestamp, then flushes. With a single connection this is RemoveLast; with
// several it will not pop a turn another connection appended in between.
func (s *Store) Rollback(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == msg.Role && m.Content == msg.Content && m.Timestamp.Equal(msg.Timestamp) {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.flushLocked()
			return true
		}
	}
	return false
}

// Clear empties the transcript and flushes.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = []model.Message{}
	s.flushLocked()
}

// flushLocked rewrites the whole transcript. Caller must hold s.mu.
func (s *Store) flushLocked() {
	if s.path == "" {
		return
	}

	data, err := json.MarshalIndent(model.StripMessages(s.messages), "", "  ")
	if err != nil {
		log.Printf("HISTORY_PERSIST_FAILED | path=%s error=%v", s.path, err)
		return
	}

	// RELIABILITY: Atomic write with fsync prevents a torn transcript on crash
	if err := util.AtomicWriteFile(s.path, data, 0644); err != nil {
		log.Printf("HISTORY_PERSIST_FAILED | path=%s error=%v", s.path, err)
	}
}

// =============================================================================
// READS
// =============================================================================

// GetAll returns a deep copy of the transcript.
func (s *Store) GetAll() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.CloneMessages(s.messages)
}

// GetRecentWindow returns a deep copy of the last n messages, or all of them
// when fewer exist.
func (s *Store) GetRecentWindow(n int) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return []model.Message{}
	}
	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	return model.CloneMessages(s.messages[start:])
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}
