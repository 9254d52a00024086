// Package source provides the pages the capture scheduler observes: a saved
// HTML snapshot on disk or a live browser tab.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/capture"
)

const defaultDebounce = 100 * time.Millisecond

// FileSource reads an HTML snapshot from disk and signals a mutation each
// time the file is written or replaced. It watches the parent directory so
// editors that save through a rename are seen.
type FileSource struct {
	path     string
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	signals  chan struct{}

	closeOnce sync.Once
}

func NewFileSource(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &FileSource{
		path:     abs,
		dir:      dir,
		debounce: defaultDebounce,
		watcher:  fsw,
		signals:  make(chan struct{}, 1),
	}, nil
}

func (s *FileSource) Path() string {
	return s.path
}

// Snapshot parses the current file contents.
func (s *FileSource) Snapshot(context.Context) (*capture.Document, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return capture.ParseDocument(f)
}

func (s *FileSource) Mutations() <-chan struct{} {
	return s.signals
}

// Run forwards debounced file events until ctx is done, then closes the
// watcher.
func (s *FileSource) Run(ctx context.Context) error {
	defer s.Close()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(s.debounce, s.notify)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", s.path).Msg("snapshot watcher error")
		}
	}
}

func (s *FileSource) notify() {
	select {
	case s.signals <- struct{}{}:
	default:
	}
}

func (s *FileSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
	})
	return err
}
