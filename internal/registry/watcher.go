package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceDelay coalesces the create/write/rename burst of one atomic write.
	debounceDelay = 100 * time.Millisecond
	// pollInterval is the fallback for filesystems without change events.
	pollInterval = 2 * time.Second
)

// Watcher reloads the registry when another process rewrites the document.
type Watcher struct {
	reg      *Registry
	fsw      *fsnotify.Watcher
	onChange func()

	reloadCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu sync.Mutex
	// lastStamp is the document as last loaded or written by this process.
	lastStamp fileStamp
	debounce  *time.Timer
}

// fileStamp identifies one version of the document. Every save replaces
// the file by rename, so the file identity changes even when the size and
// modification time do not.
type fileStamp struct {
	fi os.FileInfo
}

func stampOf(path string) fileStamp {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{fi: fi}
}

func (a fileStamp) equal(b fileStamp) bool {
	if a.fi == nil || b.fi == nil {
		return a.fi == nil && b.fi == nil
	}
	return os.SameFile(a.fi, b.fi) && a.fi.ModTime().Equal(b.fi.ModTime()) && a.fi.Size() == b.fi.Size()
}

// NewWatcher watches the registry directory. onChange, when set, runs
// after each reload triggered by an external write.
func NewWatcher(reg *Registry, onChange func()) (*Watcher, error) {
	if err := os.MkdirAll(reg.Root(), 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(reg.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		reg:       reg,
		fsw:       fsw,
		onChange:  onChange,
		reloadCh:  make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		lastStamp: stampOf(reg.Path()),
	}
	reg.SetSaveHook(w.NotifySave)
	return w, nil
}

// Start begins watching (non-blocking).
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	docName := filepath.Base(w.reg.Path())

	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != docName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(debounceDelay, w.check)
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			regLog.Warn("registry_watch_error", slog.String("error", err.Error()))
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	select {
	case <-w.closeCh:
		return
	default:
	}

	// Under the registry lock a local write and its NotifySave are never
	// observed half done.
	w.reg.mu.Lock()
	stamp := stampOf(w.reg.Path())
	w.mu.Lock()
	changed := !stamp.equal(w.lastStamp)
	w.mu.Unlock()
	w.reg.mu.Unlock()
	if !changed {
		return
	}
	if err := w.reg.Load(); err != nil {
		regLog.Warn("registry_reload_failed", slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.lastStamp = stamp
	w.mu.Unlock()
	regLog.Debug("registry_reloaded")
	if w.onChange != nil {
		w.onChange()
	}
	select {
	case w.reloadCh <- struct{}{}:
	default:
	}
}

// reloaded signals after each external reload.
func (w *Watcher) reloaded() <-chan struct{} {
	return w.reloadCh
}

// NotifySave records the document this process just wrote so its change
// events are not reloaded. Runs with the registry lock held.
func (w *Watcher) NotifySave() {
	stamp := stampOf(w.reg.Path())
	w.mu.Lock()
	w.lastStamp = stamp
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		err = w.fsw.Close()
		w.wg.Wait()
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		w.reg.SetSaveHook(nil)
	})
	return err
}
