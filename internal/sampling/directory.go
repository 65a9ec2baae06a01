package sampling

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// partialSuffix marks files still being written by the producer. Producers
// write "<name>.part" and rename it once complete.
const partialSuffix = ".part"

// Directory serves every file dropped into a spool directory as one slice.
// Releasing the slice deletes the file.
type Directory struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	paths   chan string

	mu      sync.Mutex
	pending map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDirectory starts watching dir. Files present at start are queued in
// lexical order before any new arrival.
func NewDirectory(ctx context.Context, dir string, size int, logger *slog.Logger) (*Directory, error) {
	if dir == "" {
		return nil, fmt.Errorf("sampling: directory sampler requires qc.data_sampling.directory")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sampling: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("sampling: watch %s: %w", dir, err)
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d := &Directory{
		dir:     dir,
		logger:  logger,
		watcher: w,
		paths:   make(chan string, size),
		pending: make(map[string]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		cancel()
		_ = w.Close()
		return nil, fmt.Errorf("sampling: list %s: %w", dir, err)
	}
	var existing []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			existing = append(existing, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(existing)

	go d.watch(loopCtx, existing)
	return d, nil
}

func (d *Directory) watch(ctx context.Context, existing []string) {
	defer close(d.done)
	defer close(d.paths)
	for _, p := range existing {
		if !d.enqueue(ctx, p) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !d.enqueue(ctx, ev.Name) {
				return
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("sampling: watcher error", "dir", d.dir, "error", err)
		}
	}
}

// enqueue queues path once. It returns false when ctx was cancelled.
func (d *Directory) enqueue(ctx context.Context, path string) bool {
	if strings.HasSuffix(path, partialSuffix) || strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	d.mu.Lock()
	if _, dup := d.pending[path]; dup {
		d.mu.Unlock()
		return true
	}
	d.pending[path] = struct{}{}
	d.mu.Unlock()

	select {
	case d.paths <- path:
		return true
	case <-ctx.Done():
		return false
	}
}

// GetSlice implements Sampler.
func (d *Directory) GetSlice(ctx context.Context, timeout time.Duration) (*Slice, error) {
	deadline := time.Now().Add(timeout)
	for {
		path, err := waitFor(ctx, d.paths, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			d.forget(path)
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("sampling: read %s: %w", path, err)
		}
		return NewSlice(data, filepath.Base(path), func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				d.logger.Warn("sampling: remove consumed file", "path", path, "error", err)
			}
			d.forget(path)
		}), nil
	}
}

func (d *Directory) forget(path string) {
	d.mu.Lock()
	delete(d.pending, path)
	d.mu.Unlock()
}

// Close stops the watcher.
func (d *Directory) Close() error {
	d.cancel()
	err := d.watcher.Close()
	<-d.done
	return err
}
