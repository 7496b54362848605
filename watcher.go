package gridcore

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher observes one backing file and invokes a callback with the
// new content after external writes. the parent directory is watched
// rather than the file itself so editors that replace via rename are
// still seen.
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(content []byte, modTime time.Time)
	logger   *slog.Logger

	mu       sync.Mutex
	debounce *time.Timer
	done     chan struct{}
	wg       sync.WaitGroup
}

// watcherSettleDelay coalesces the event bursts editors produce on save
const watcherSettleDelay = 200 * time.Millisecond

// NewFileWatcher starts watching path. onChange runs off the caller's
// goroutine after each settled burst of writes.
func NewFileWatcher(path string, logger *slog.Logger, onChange func(content []byte, modTime time.Time)) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &FileWatcher{
		path:     path,
		watcher:  fsw,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// loop drains fsnotify events for the watched file, arming the settle
// timer on each relevant one
func (w *FileWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.armSettle()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "path", w.path, "error", err)
		case <-w.done:
			return
		}
	}
}

// armSettle resets the settle timer so one callback fires per burst
func (w *FileWatcher) armSettle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Reset(watcherSettleDelay)
		return
	}
	w.debounce = time.AfterFunc(watcherSettleDelay, w.fire)
}

// fire reads the file and hands the content to the callback
func (w *FileWatcher) fire() {
	w.mu.Lock()
	w.debounce = nil
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("watched file unreadable", "path", w.path, "error", err)
		return
	}
	content, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("watched file unreadable", "path", w.path, "error", err)
		return
	}
	w.onChange(content, info.ModTime())
}

// Close stops watching. pending settle timers are cancelled.
func (w *FileWatcher) Close() {
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
}
