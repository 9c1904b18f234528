package source

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a FileSource when its file changes on disk.
//
// The parent directory is watched rather than the file itself, so editors
// that replace the file (rename-over-write) keep triggering reloads.
type Watcher struct {
	source   *FileSource
	fsw      *fsnotify.Watcher
	onReload func()
	logger   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts following the source's file. onReload runs after every
// successful reload; the engine hooks its cache invalidation here. Call
// Close to stop.
func Watch(source *FileSource, onReload func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "rules.watcher")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(source.Path())); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching rules directory: %w", err)
	}

	w := &Watcher{
		source:   source,
		fsw:      fsw,
		onReload: onReload,
		logger:   logger,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	target := filepath.Clean(w.source.Path())
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := w.source.Reload(); err != nil {
				// Keep serving the last good rule set.
				w.logger.Error("rules reload failed", "path", target, "error", err)
				continue
			}
			if w.onReload != nil {
				w.onReload()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("rules watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}
