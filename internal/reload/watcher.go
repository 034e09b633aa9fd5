// Package reload watches files for changes and fans reload notifications out to
// connected browsers.
package reload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// ErrClosed is returned by Run when the watcher was closed underneath it.
var ErrClosed = errors.New("reload: watcher closed")

// Watcher reports bursts of filesystem changes under a set of roots.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	// Individual files are watched through their parent directory; events for
	// siblings in such a directory are dropped unless it is also in trees.
	files    map[string]struct{}
	fileDirs map[string]struct{}
	trees    map[string]struct{}
}

// NewWatcher watches every path in paths. Directories are watched recursively.
func NewWatcher(logger *zap.Logger, debounce time.Duration, paths ...string) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		debounce: debounce,
		files:    make(map[string]struct{}),
		fileDirs: make(map[string]struct{}),
		trees:    make(map[string]struct{}),
	}

	for _, p := range paths {
		if err := w.add(p); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) add(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch %s: %w", p, err)
	}

	if !info.IsDir() {
		w.files[abs] = struct{}{}
		parent := filepath.Dir(abs)
		w.fileDirs[parent] = struct{}{}
		if err := w.fsw.Add(parent); err != nil {
			return fmt.Errorf("watch %s: %w", parent, err)
		}
		return nil
	}

	return w.addTree(abs)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		w.trees[p] = struct{}{}
		return nil
	})
}

// relevant filters out sibling events in directories watched only for a file.
func (w *Watcher) relevant(name string) bool {
	if _, ok := w.files[name]; ok {
		return true
	}
	parent := filepath.Dir(name)
	if _, ok := w.trees[parent]; ok {
		return true
	}
	_, fileDir := w.fileDirs[parent]
	return !fileDir
}

// Run delivers debounced change bursts to onChange until ctx is done or the
// watcher is closed. Paths passed to onChange are absolute, sorted and unique.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return ErrClosed
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				w.watchIfDir(event.Name)
			}
			if len(pending) == 0 {
				timer.Reset(w.debounce)
			}
			pending[event.Name] = struct{}{}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return ErrClosed
			}
			w.logger.Warn("file watcher error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			onChange(paths)
		}
	}
}

func (w *Watcher) watchIfDir(name string) {
	info, err := os.Stat(name)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(name); err != nil {
		w.logger.Warn("failed to watch new directory", zap.String("path", name), zap.Error(err))
	}
}

// Close stops watching. A concurrent Run returns ErrClosed.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
