package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a rules file into a Provider when it changes. A file that
// fails to parse is logged and the previous rules stay active.
type Watcher struct {
	p        *Provider
	path     string
	debounce time.Duration
	w        *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	timer *time.Timer
	// reloaded is signalled after every reload attempt (tests).
	reloaded chan error
}

// Watch loads path into p and keeps it in sync until ctx ends or Close.
func (p *Provider) Watch(ctx context.Context, path string) (*Watcher, error) {
	rs, err := Load(path)
	if err != nil {
		return nil, err
	}
	p.SetRules(rs)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the directory: editors replace files by rename
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	debounce := p.debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{p: p, path: filepath.Clean(path), debounce: debounce, w: fw, done: make(chan struct{}), reloaded: make(chan error, 1)}
	p.mu.Lock()
	p.watchers = append(p.watchers, w)
	p.mu.Unlock()
	go w.loop(ctx)
	p.log.Info("policy rules watching", "path", path, "rules", len(rs.Rules), "templates", len(rs.Templates))
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case <-w.done:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.p.log.Error("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	rs, err := Load(w.path)
	if err != nil {
		w.p.log.Error("policy reload failed; keeping previous rules", "path", w.path, "error", err)
	} else {
		w.p.SetRules(rs)
		w.p.log.Info("policy rules reloaded", "path", w.path, "rules", len(rs.Rules))
	}
	select {
	case w.reloaded <- err:
	default:
	}
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.w.Close()
	})
	return err
}
