// Package filesync keeps the host-side mirror of the agent workspace and
// applies approved filesystem edits. The live mirror is eventually
// consistent; full rsync passes bracket the process lifetime.
package filesync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	readyPollInterval = 2 * time.Second
	flushQuietWindow  = 300 * time.Millisecond
)

// excluded names are never mirrored. Non-negotiable: the host must not see
// the agent's VCS internals or dependency trees.
var excluded = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Mirror watches the workspace and replicates changes to the host project
// directory.
type Mirror struct {
	workspace string
	host      string
	log       *slog.Logger

	mu         sync.Mutex
	dirty      map[string]struct{}
	flushTimer *time.Timer
	watcher    *fsnotify.Watcher
	stopped    bool
}

// NewMirror creates a mirror from workspace to host.
func NewMirror(workspace, host string, log *slog.Logger) *Mirror {
	return &Mirror{
		workspace: workspace,
		host:      host,
		log:       log,
		dirty:     make(map[string]struct{}),
	}
}

// Start blocks until the workspace is ready (a .git/HEAD marker exists),
// performs the initial full sync, then runs the recursive watcher until ctx
// is cancelled or Stop is called.
func (m *Mirror) Start(ctx context.Context) error {
	if err := m.awaitReady(ctx); err != nil {
		return err
	}

	n, err := m.FullSync(ctx)
	if err != nil {
		m.log.Warn("initial full sync failed", "error", err)
	} else {
		m.log.Info("initial full sync complete", "files", n)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filesync.Start watcher: %w", err)
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = w.Close()
		return nil
	}
	m.watcher = w
	m.mu.Unlock()

	if err := m.watchTree(m.workspace); err != nil {
		m.log.Warn("watch tree incomplete", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			m.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("watcher error", "error", err)
		}
	}
}

// awaitReady polls every 2 s for the workspace readiness marker.
func (m *Mirror) awaitReady(ctx context.Context) error {
	marker := filepath.Join(m.workspace, ".git", "HEAD")
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(marker); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchTree attaches watches to every directory below root, skipping
// excluded subtrees.
func (m *Mirror) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if excluded[d.Name()] && path != root {
			return filepath.SkipDir
		}
		return m.watcher.Add(path)
	})
}

// handleEvent collects the path into the dedup set and (re)arms the
// quiet-window flush timer. New directories are added to the watch set
// immediately so nested creates are not missed.
func (m *Mirror) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(m.workspace, ev.Name)
	if err != nil || isExcluded(rel) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = m.watchTree(ev.Name)
		}
	}

	m.mu.Lock()
	m.dirty[rel] = struct{}{}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.flushTimer = time.AfterFunc(flushQuietWindow, m.flush)
	m.mu.Unlock()
}

// flush copies or removes every path collected during the quiet window.
func (m *Mirror) flush() {
	m.mu.Lock()
	batch := m.dirty
	m.dirty = make(map[string]struct{})
	m.flushTimer = nil
	m.mu.Unlock()

	for rel := range batch {
		src := filepath.Join(m.workspace, rel)
		dst := filepath.Join(m.host, rel)
		if fi, err := os.Stat(src); err == nil {
			if fi.IsDir() {
				continue
			}
			if err := copyFile(src, dst); err != nil {
				m.log.Warn("mirror copy failed", "path", rel, "error", err)
			}
			continue
		}
		if err := os.RemoveAll(dst); err != nil {
			m.log.Warn("mirror remove failed", "path", rel, "error", err)
		}
	}
	if len(batch) > 0 {
		m.log.Debug("mirror batch flushed", "files", len(batch))
	}
}

// Stop halts the watcher and pending flush timer. Called first in the
// graceful shutdown sequence, before the final full sync.
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
}

// FullSync mirrors the whole workspace with rsync, deleting host files that
// no longer exist in the workspace. Returns the number of transferred paths.
func (m *Mirror) FullSync(ctx context.Context) (int, error) {
	if err := os.MkdirAll(m.host, 0o755); err != nil {
		return 0, fmt.Errorf("filesync.FullSync mkdir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "rsync",
		"-a", "--delete",
		"--exclude", ".git",
		"--exclude", "node_modules",
		"--out-format=%n",
		m.workspace+"/", m.host+"/",
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("filesync.FullSync rsync: %w", err)
	}

	n := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			n++
		}
	}
	return n, nil
}

// isExcluded reports whether any segment of the relative path is excluded.
func isExcluded(rel string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if excluded[seg] {
			return true
		}
	}
	return false
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
