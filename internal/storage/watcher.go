// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long a session file must be quiet before it is re-read.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher keeps a SessionStore's index in sync with files created, edited or
// removed in BaseDir by something other than the store.
type Watcher struct {
	store    *SessionStore
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // session id -> last change time

	// reload re-reads one session; store.refresh outside tests.
	reload func(id string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for store.BaseDir. Call Start to begin.
func NewWatcher(store *SessionStore, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		reload:   store.refresh,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start watches the directory and processes events in the background.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.BaseDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.store.BaseDir, err)
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()
	log.Printf("SESSIONS_WATCHING | dir=%s debounce=%v", w.store.BaseDir, w.debounce)
	return nil
}

// processEvents queues session ids touched by file system events.
func (w *Watcher) processEvents() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC_RECOVERED | component=session_watcher panic=%v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !isSessionFile(name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending[strings.TrimSuffix(name, ".json")] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("SESSIONS_WATCH_ERROR | error=%v", err)
		}
	}
}

// processPending re-reads sessions once their files have been quiet for the debounce period.
func (w *Watcher) processPending() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			w.mu.Lock()
			var ready []string
			for id, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					ready = append(ready, id)
					delete(w.pending, id)
				}
			}
			w.mu.Unlock()

			for _, id := range ready {
				w.refresh(id)
			}
		}
	}
}

// refresh reloads one session. A panic is logged and the loop keeps running.
func (w *Watcher) refresh(id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC_RECOVERED | component=session_watcher id=%s panic=%v\n%s", id, r, debug.Stack())
		}
	}()
	w.reload(id)
}

// Close stops watching and waits for the background goroutines.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
