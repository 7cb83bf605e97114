// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ChangeHandler is called when the file content changed. The running
// process never applies the new content.
type ChangeHandler func(path string)

// Watcher polls a configuration file and reports changes.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu           sync.RWMutex
	handlers     []ChangeHandler
	currentHash  [32]byte
	lastModified time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, interval time.Duration, log *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Watcher{
		path:     absPath,
		interval: interval,
		log:      log.With("component", "config_watcher"),
		stopCh:   make(chan struct{}),
	}
	if err := w.updateHash(); err != nil {
		return nil, fmt.Errorf("failed to read initial config: %w", err)
	}
	return w, nil
}

// Start begins polling in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.log.Info("starting config watcher", "path", w.path, "interval", w.interval)
	w.wg.Add(1)
	go w.watch(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// OnChange registers a handler to be called when the file changes.
func (w *Watcher) OnChange(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Path returns the watched config file path
func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.log.Warn("error checking for config changes", "error", err)
			}
		}
	}
}

// Check compares the file with the last seen content and notifies the
// handlers when it differs.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	w.mu.RLock()
	unchanged := info.ModTime().Equal(w.lastModified)
	w.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	newHash, err := w.calculateHash()
	if err != nil {
		return false, fmt.Errorf("failed to calculate config hash: %w", err)
	}

	w.mu.Lock()
	hashChanged := newHash != w.currentHash
	w.currentHash = newHash
	w.lastModified = info.ModTime()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	if !hashChanged {
		return false, nil
	}

	w.log.Warn("config file changed, restart the exporter to apply it", "path", w.path)
	for _, handler := range handlers {
		handler(w.path)
	}
	return true, nil
}

func (w *Watcher) updateHash() error {
	hash, err := w.calculateHash()
	if err != nil {
		return err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.currentHash = hash
	w.lastModified = info.ModTime()
	w.mu.Unlock()
	return nil
}

func (w *Watcher) calculateHash() ([32]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
