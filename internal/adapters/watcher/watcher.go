// Package watcher loads and unloads layers as files appear in and disappear
// from watched directories.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jobrunner/shapeview/internal/domain"
)

// defaultDebounce is the quiet period before a file event is delivered.
const defaultDebounce = 500 * time.Millisecond

// Event represents a settled file system event.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called once per path after its events have settled.
type Handler func(ctx context.Context, event Event) error

// pendingEvent is an event waiting for its debounce timer.
type pendingEvent struct {
	op    Operation
	timer *time.Timer
}

// Watcher watches directories for layer file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	paths     []string
	debounce  time.Duration

	mu      sync.Mutex
	ctx     context.Context
	pending map[string]*pendingEvent
	stopped bool
	wg      sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Paths    []string
	Debounce time.Duration
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		paths:     cfg.Paths,
		debounce:  cfg.Debounce,
		ctx:       context.Background(),
		pending:   make(map[string]*pendingEvent),
	}, nil
}

// Start starts watching the configured paths. Paths that cannot be watched
// are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	for _, path := range w.paths {
		if err := w.AddPath(path); err != nil {
			w.logger.Warn("failed to watch path", "path", path, "error", err)
		}
	}

	w.wg.Add(1)
	go w.eventLoop(ctx)
	return nil
}

// Stop stops the watcher. Pending events are dropped; a handler that is
// already running is waited for.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopped = true
	for path, p := range w.pending {
		if p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent records an event and restarts the path's debounce timer.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if !isLayerFile(event.Name) {
		return
	}
	op := fsnotifyOpToOperation(event.Op)
	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if p, ok := w.pending[event.Name]; ok {
		p.op = mergeOperation(p.op, op)
		// An expired timer is about to deliver p with the merged operation.
		if p.timer.Stop() {
			p.timer.Reset(w.debounce)
		}
		return
	}

	path := event.Name
	w.wg.Add(1)
	w.pending[path] = &pendingEvent{
		op:    op,
		timer: time.AfterFunc(w.debounce, func() { w.fire(path) }),
	}
}

// fire delivers the settled event for path.
func (w *Watcher) fire(path string) {
	defer w.wg.Done()

	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	ctx := w.ctx
	w.mu.Unlock()

	if !ok || ctx.Err() != nil {
		return
	}

	event := Event{Path: path, Operation: p.op}
	w.logger.Info("processing file event", "path", path, "operation", p.op.String())
	if err := w.handler(ctx, event); err != nil {
		w.logger.Error("handler error",
			"path", path,
			"operation", p.op.String(),
			"error", err,
		)
	}
}

// mergeOperation folds a new operation into a pending one. A delete wins
// unless the file is created again; a create is not downgraded by later
// writes.
func mergeOperation(pending, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case pending == OpDelete && next == OpCreate:
		return OpCreate
	case pending == OpDelete:
		return OpModify
	default:
		return pending
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// isLayerFile reports whether path names a loadable layer file. Hidden files
// such as partial uploads are ignored.
func isLayerFile(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && domain.IsLayerFile(base)
}

// AddPath adds a directory to watch.
func (w *Watcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}

	w.logger.Info("watching directory", "path", absPath)
	return nil
}

// RemovePath removes a directory from watching.
func (w *Watcher) RemovePath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Remove(absPath); err != nil {
		return err
	}

	w.logger.Info("removed watch path", "path", absPath)
	return nil
}
