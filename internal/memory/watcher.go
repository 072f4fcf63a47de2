package memory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/logging"
)

// Watcher re-indexes a project after file system changes settle.
type Watcher struct {
	root     string
	debounce time.Duration
	onIndex  func(*Index)
	log      *zap.Logger
}

func NewWatcher(root string, debounce time.Duration, onIndex func(*Index), log *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{root: root, debounce: debounce, onIndex: onIndex, log: logging.OrNop(log).Named("memory")}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !excluded(info.Name()) {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.log.Warn("watch new directory", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			idx, err := IndexProject(w.root)
			if err != nil {
				w.log.Warn("re-index failed", zap.String("root", w.root), zap.Error(err))
				continue
			}
			w.log.Info("project re-indexed", zap.String("root", idx.Root), zap.Int("files", len(idx.Files)))
			w.onIndex(idx)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && excluded(d.Name()) {
			return fs.SkipDir
		}
		return fw.Add(path)
	})
}
