// Package watcher follows the per-session output logs on disk. The logs are
// replaced atomically on every flush, so the containing directory is watched
// rather than the files themselves.
package watcher

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 100 * time.Millisecond

// LineCallback receives the lines that appeared in a followed log.
type LineCallback func(sessionID string, lines []string)

// Watcher follows output logs, one fsnotify watcher per followed session.
type Watcher struct {
	mu        sync.RWMutex
	followers map[string]*follower // sessionID → follower
	callback  LineCallback
	logger    *zap.Logger
}

type follower struct {
	sessionID string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}

	mu   sync.Mutex
	last []string
}

// New creates a watcher delivering new lines to callback.
func New(callback LineCallback, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		followers: make(map[string]*follower),
		callback:  callback,
		logger:    logger.Named("watcher"),
	}
}

// Follow starts following the log at path for sessionID. The current content
// is delivered immediately; the log does not need to exist yet.
func (w *Watcher) Follow(sessionID, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	f := &follower{
		sessionID: sessionID,
		path:      path,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	w.Unfollow(sessionID)
	w.mu.Lock()
	w.followers[sessionID] = f
	w.mu.Unlock()

	w.reload(f)
	go w.watchLoop(f)
	return nil
}

// Unfollow stops following a session's log.
func (w *Watcher) Unfollow(sessionID string) {
	w.mu.Lock()
	f, ok := w.followers[sessionID]
	if ok {
		delete(w.followers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(f.cancel)
		f.fsWatcher.Close()
		<-f.done
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(f *follower) {
	defer close(f.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-f.cancel:
			return

		case event, ok := <-f.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.reload(f)
			})

		case err, ok := <-f.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.String("session", f.sessionID), zap.Error(err))
		}
	}
}

// reload rereads the log and reports lines not seen before.
func (w *Watcher) reload(f *follower) {
	cur, err := ReadLines(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("read log", zap.String("path", f.path), zap.Error(err))
		}
		return
	}

	f.mu.Lock()
	added := NewLines(f.last, cur)
	f.last = cur
	f.mu.Unlock()

	if len(added) > 0 && w.callback != nil {
		w.callback(f.sessionID, added)
	}
}

// NewLines returns the lines of cur that follow the content of prev. The log
// is a bounded window, so prev may have lost lines at its start; the longest
// suffix of prev that prefixes cur is taken as the overlap.
func NewLines(prev, cur []string) []string {
	for start := 0; start < len(prev); start++ {
		overlap := prev[start:]
		if len(overlap) > len(cur) {
			continue
		}
		if slices.Equal(overlap, cur[:len(overlap)]) {
			return cur[len(overlap):]
		}
	}
	return cur
}

// ReadLines reads a newline-delimited log.
func ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// Shutdown stops all followers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.followers))
	for id := range w.followers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unfollow(id)
	}
}
