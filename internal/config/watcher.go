package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/descriptor"
)

// DefaultDebounce collapses bursts of write events from editors.
const DefaultDebounce = 200 * time.Millisecond

// Diff lists unit names that changed between two descriptors.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare diffs two descriptors by unit name, in declaration order.
func Compare(old, cur *descriptor.File) Diff {
	var d Diff
	before := make(map[string]descriptor.Unit)
	if old != nil {
		for _, u := range old.Units {
			before[u.Name] = u
		}
	}
	seen := make(map[string]bool)
	if cur != nil {
		for _, u := range cur.Units {
			seen[u.Name] = true
			prev, ok := before[u.Name]
			switch {
			case !ok:
				d.Added = append(d.Added, u.Name)
			case !reflect.DeepEqual(prev, u):
				d.Changed = append(d.Changed, u.Name)
			}
		}
	}
	if old != nil {
		for _, u := range old.Units {
			if !seen[u.Name] {
				d.Removed = append(d.Removed, u.Name)
			}
		}
	}
	return d
}

// ChangeFunc is called after a changed descriptor loaded and validated.
type ChangeFunc func(cur *descriptor.File, diff Diff)

// Watcher reloads a descriptor when its file changes.
//
// The parent directory is watched rather than the file so that editors which
// replace the file on save keep being observed. A descriptor that fails to
// load is logged and the previous one kept. Data sources are memoized, so a
// change only takes effect after a restart; the watcher reports it.
type Watcher struct {
	path     string
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.RWMutex
	current   *descriptor.File
	callbacks []ChangeFunc
	timer     *time.Timer

	fs     *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewWatcher starts watching path. initial is the descriptor already loaded
// from it. A non-positive debounce selects DefaultDebounce.
func NewWatcher(path string, initial *descriptor.File, logger *zap.Logger, debounce time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		logger:   logger.With(zap.String("descriptor", abs)),
		debounce: debounce,
		current:  initial,
		fs:       fsw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	w.logger.Info("watching descriptor")
	return w, nil
}

// OnChange registers fn. Callbacks run on the watcher goroutine.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the last descriptor that loaded successfully.
func (w *Watcher) Current() *descriptor.File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher. It is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		<-w.done
		err = w.fs.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("descriptor event", zap.String("op", ev.Op.String()))
			w.schedule()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

// Reload loads the descriptor now and notifies callbacks when it changed.
func (w *Watcher) Reload() {
	next, err := descriptor.Load(w.path)
	if err != nil {
		w.logger.Error("invalid descriptor after change, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	diff := Compare(w.current, next)
	if diff.Empty() {
		w.mu.Unlock()
		w.logger.Debug("descriptor unchanged")
		return
	}
	w.current = next
	callbacks := append([]ChangeFunc(nil), w.callbacks...)
	w.mu.Unlock()

	w.logger.Warn("descriptor changed, restart to apply",
		zap.Strings("added", diff.Added),
		zap.Strings("removed", diff.Removed),
		zap.Strings("changed", diff.Changed))
	for _, fn := range callbacks {
		fn(next, diff)
	}
}
