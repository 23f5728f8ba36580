// Package watch implements the local datasite monitor: a recursive
// fsnotify watcher over the syftbox folder that feeds file changes into the
// watcher syncer's queue. Events are debounced per path so editors that
// write in bursts produce one proposed change. Shutdown is cooperative via
// the context.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/log"
)

var logger = log.Module("watch")

// DefaultDebounce is the quiet period before a changed path is handed to
// the sink.
const DefaultDebounce = 250 * time.Millisecond

// ChangeSink receives debounced change notifications. relativePath is
// slash-separated and relative to the watched root.
type ChangeSink func(relativePath string)

// Config configures a Monitor.
type Config struct {
	// Root is the syftbox folder to watch.
	Root string

	// Debounce is the per-path quiet period; defaults to DefaultDebounce.
	Debounce time.Duration

	// Sink receives changed paths.
	Sink ChangeSink
}

// Monitor watches a directory tree for changes.
type Monitor struct {
	root     string
	debounce time.Duration
	sink     ChangeSink

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewMonitor creates a Monitor over cfg.Root, registering every existing
// subdirectory.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Sink == nil {
		return nil, errors.New("watch: sink is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	m := &Monitor{
		root:     cfg.Root,
		debounce: debounce,
		sink:     cfg.Sink,
		watcher:  watcher,
		pending:  make(map[string]*time.Timer),
	}
	if err := m.addRecursive(cfg.Root); err != nil {
		watcher.Close()
		return nil, err
	}
	return m, nil
}

func (m *Monitor) addRecursive(dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		// Hidden trees (editor state, venvs) stay unwatched.
		base := filepath.Base(p)
		if p != dir && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		return m.watcher.Add(p)
	})
}

// Run processes events until ctx is done. It always returns the context's
// error.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-m.watcher.Events:
			if !ok {
				return ctx.Err()
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return ctx.Err()
			}
			logger.WithError(err).Warn("watcher error")
		}
	}
}

func (m *Monitor) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories join the watch set immediately.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := m.addRecursive(event.Name); err != nil {
				logger.WithField("dir", event.Name).WithError(err).Warn("failed to watch new directory")
			}
			return
		}
	}

	rel, err := filepath.Rel(m.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	m.scheduleNotify(filepath.ToSlash(rel))
}

// scheduleNotify (re)arms the per-path debounce timer.
func (m *Monitor) scheduleNotify(relativePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if timer, ok := m.pending[relativePath]; ok {
		timer.Stop()
	}
	m.pending[relativePath] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.pending, relativePath)
		stopped := m.stopped
		m.mu.Unlock()
		if !stopped {
			m.sink(relativePath)
		}
	})
}

func (m *Monitor) close() {
	m.mu.Lock()
	m.stopped = true
	for _, timer := range m.pending {
		timer.Stop()
	}
	m.pending = make(map[string]*time.Timer)
	m.mu.Unlock()
	m.watcher.Close()
}
