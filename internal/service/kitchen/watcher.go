package kitchen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

const (
	ingestedDir = "ingested"
	failedDir   = "failed"
)

// DropWatcher ingests files copied into a drop directory. A file is ingested
// once it has not been written to for the settle period; it is then moved to
// ingested/ or failed/ inside the drop directory.
type DropWatcher struct {
	engine *Engine
	dir    string
	settle time.Duration
	logger logger.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewDropWatcher(e *Engine, dir string, settle time.Duration, log logger.Logger) *DropWatcher {
	if settle <= 0 {
		settle = time.Second
	}
	return &DropWatcher{
		engine:  e,
		dir:     dir,
		settle:  settle,
		logger:  log.Named("drop"),
		pending: make(map[string]*time.Timer),
	}
}

// Run sweeps files already present, then watches until ctx is done.
func (w *DropWatcher) Run(ctx context.Context) error {
	for _, sub := range []string{ingestedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create drop dir: %w", err)
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read drop dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	w.logger.Info("Watching drop directory", logger.String("dir", w.dir))

	defer w.wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", logger.Error(err))
		}
	}
}

// schedule (re)starts the settle timer of path.
func (w *DropWatcher) schedule(ctx context.Context, path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		if t.Stop() {
			t.Reset(w.settle)
			return
		}
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.ingest(ctx, path)
		}
	})
}

// wait stops timers that have not fired and waits for running ingests.
func (w *DropWatcher) wait() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *DropWatcher) ingest(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	name := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("Failed to open dropped file", logger.String("file", name), logger.Error(err))
		return
	}
	a, err := w.engine.Ingest(ctx, name, f, IngestOptions{Overwrite: true})
	f.Close()

	dest := ingestedDir
	if err != nil {
		dest = failedDir
		w.logger.Error("Failed to ingest dropped file", logger.String("file", name), logger.Error(err))
	} else {
		w.logger.Info("Ingested dropped file", logger.String("file", name), logger.String("artifact", a.String()))
	}
	if err := os.Rename(path, filepath.Join(w.dir, dest, name)); err != nil {
		w.logger.Warn("Failed to move dropped file", logger.String("file", name), logger.Error(err))
	}
}
