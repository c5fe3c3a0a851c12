// Package watcher keeps the search index in step with note documents edited
// outside the service.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultPattern  = "*" + notes.DocumentExtension
	DefaultDebounce = 250 * time.Millisecond
)

var (
	errMissingDirs    = errors.New("at least one directory is required")
	errMissingIndexer = errors.New("indexer dependency required")
)

// Indexer refreshes or drops the index entry of one note.
type Indexer interface {
	Reindex(ctx context.Context, id notes.NoteID) error
	Forget(ctx context.Context, id notes.NoteID) error
}

type Config struct {
	Dirs     []string
	Pattern  string
	Debounce time.Duration
	Indexer  Indexer
	Logger   *zap.Logger
}

// Watcher collapses bursts of filesystem events per note and then reindexes
// the note, or forgets it when no watched directory holds it anymore.
type Watcher struct {
	dirs     []string
	pattern  string
	debounce time.Duration
	indexer  Indexer
	logger   *zap.Logger
	fs       *fsnotify.Watcher
}

// New registers every directory with fsnotify. Events are only consumed once
// Run is called.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Dirs) == 0 {
		return nil, errMissingDirs
	}
	if cfg.Indexer == nil {
		return nil, errMissingIndexer
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", pattern)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range cfg.Dirs {
		if err := fsWatcher.Add(dir); err != nil {
			_ = fsWatcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	return &Watcher{
		dirs:     cfg.Dirs,
		pattern:  pattern,
		debounce: debounce,
		indexer:  cfg.Indexer,
		logger:   logger,
		fs:       fsWatcher,
	}, nil
}

// Run consumes events until ctx ends. Pending debounced work is discarded on
// shutdown; in-flight work is waited for.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	pending := newDebouncer(w.debounce)
	defer pending.stopAndWait()

	w.logger.Info("watching note directories", zap.Strings("dirs", w.dirs), zap.String("pattern", w.pattern))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("watcher events channel closed")
			}
			id, ok := w.noteID(event)
			if !ok {
				continue
			}
			pending.add(id.String(), func() {
				w.sync(ctx, id)
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

// Close releases the fsnotify handle when Run was never started.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) noteID(event fsnotify.Event) (notes.NoteID, bool) {
	if event.Op == fsnotify.Chmod {
		return "", false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, notes.TempFilePrefix) {
		return "", false
	}
	matched, err := doublestar.Match(w.pattern, base)
	if err != nil || !matched {
		return "", false
	}
	id, err := notes.NewNoteID(base)
	if err != nil {
		w.logger.Debug("ignoring unsafe filename", zap.String("path", event.Name))
		return "", false
	}
	return id, true
}

// sync decides from the current disk state, so a promote (remove in one
// directory, create in the other) ends as a reindex.
func (w *Watcher) sync(ctx context.Context, id notes.NoteID) {
	if ctx.Err() != nil {
		return
	}
	if w.present(id) {
		if err := w.indexer.Reindex(ctx, id); err != nil {
			w.logger.Warn("reindex after file change failed", zap.String("note_id", id.String()), zap.Error(err))
			return
		}
		w.logger.Debug("note reindexed", zap.String("note_id", id.String()))
		return
	}
	if err := w.indexer.Forget(ctx, id); err != nil {
		w.logger.Warn("forget after file removal failed", zap.String("note_id", id.String()), zap.Error(err))
		return
	}
	w.logger.Debug("note forgotten", zap.String("note_id", id.String()))
}

func (w *Watcher) present(id notes.NoteID) bool {
	for _, dir := range w.dirs {
		if info, err := os.Stat(filepath.Join(dir, id.String())); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}
