package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher turns files dropped into a directory into handles.
type Watcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	logger     zerolog.Logger
}

// NewWatcher creates a watcher. With no extensions every file is reported.
func NewWatcher(logger zerolog.Logger, extensions ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	exts := make([]string, len(extensions))
	for i, ext := range extensions {
		exts[i] = strings.ToLower(ext)
	}
	return &Watcher{watcher: w, extensions: exts, logger: logger}, nil
}

// Watch emits a handle for each file created or written in dir until ctx is done.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan PathHandle, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}

	handles := make(chan PathHandle, 16)
	go func() {
		defer close(handles)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !w.accepts(event.Name) {
					continue
				}
				h, err := NewPathHandle(event.Name)
				if err != nil {
					w.logger.Debug().Err(err).Str("path", event.Name).Msg("skipping watch event")
					continue
				}
				select {
				case handles <- h:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn().Err(err).Str("dir", dir).Msg("watcher error")
			}
		}
	}()

	return handles, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return false
	}
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
