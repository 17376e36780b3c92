package crossproc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned by a primitive used after Close.
var ErrClosed = errors.New("signal primitive closed")

// Primitive is one handle on a named OS-level wait object. A raise observed
// by Wait is consumed: the next Wait blocks until another Set.
type Primitive interface {
	// Set raises the signal for every waiting handle.
	Set() error
	// Wait blocks for at most timeout and reports whether a raise was consumed.
	Wait(timeout time.Duration) (bool, error)
	// Cursor is the last generation this handle has consumed.
	Cursor() uint64
	Close() error
}

// Factory creates primitives for a signal name.
type Factory interface {
	// Host opens the raising side, creating the object when missing.
	Host(name string) (Primitive, error)
	// Client opens a waiting handle that ignores raises made before it existed.
	Client(name string) (Primitive, error)
	// Resume reopens a waiting handle that treats anything after cursor as new.
	Resume(name string, cursor uint64) (Primitive, error)
}

// DefaultDir returns the session-scoped directory holding signal files:
// $XDG_RUNTIME_DIR/instance-deck, or <tmp>/instance-deck-<uid>.
func DefaultDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "instance-deck")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("instance-deck-%d", os.Getuid()))
}

// FileFactory implements Factory with one generation file per signal.
// Raising rewrites the file with the next generation; waiting handles
// watch the directory with fsnotify and re-read the file on every timeout
// tick, so filesystems without change notification still deliver.
type FileFactory struct {
	dir string
}

// NewFileFactory prepares dir so any local user can wait on and raise
// signals in it.
func NewFileFactory(dir string) (*FileFactory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	// Sticky + world-writable like /tmp. Fails when another user owns the
	// dir, which already has the right mode in that case.
	_ = os.Chmod(dir, os.ModePerm|os.ModeSticky)
	return &FileFactory{dir: dir}, nil
}

// Dir returns the signal directory.
func (f *FileFactory) Dir() string {
	return f.dir
}

// Path returns the file backing the signal name.
func (f *FileFactory) Path(name string) string {
	return filepath.Join(f.dir, FileName(name))
}

// FileName maps a signal name to a deterministic file name: the name with
// unsafe characters replaced, plus a hash of the original so distinct names
// never collide.
func FileName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	return fmt.Sprintf("%s-%08x.sig", safe, uint32(xxhash.Sum64String(name)))
}

// Host implements Factory.
func (f *FileFactory) Host(name string) (Primitive, error) {
	path := f.Path(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create signal %q: %w", name, err)
	}
	file.Close()
	_ = os.Chmod(path, 0o666)

	gen, _ := readGeneration(path)
	return &filePrimitive{path: path, cursor: gen, closed: make(chan struct{})}, nil
}

// Client implements Factory.
func (f *FileFactory) Client(name string) (Primitive, error) {
	gen, _ := readGeneration(f.Path(name))
	return f.Resume(name, gen)
}

// Resume implements Factory.
func (f *FileFactory) Resume(name string, cursor uint64) (Primitive, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: Set replaces the file by rename, which would
	// orphan a watch on the file itself.
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch signal dir: %w", err)
	}
	return &filePrimitive{
		path:    f.Path(name),
		cursor:  cursor,
		watcher: w,
		closed:  make(chan struct{}),
	}, nil
}

type filePrimitive struct {
	path    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cursor uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *filePrimitive) Set() error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	gen, err := readGeneration(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read signal: %w", err)
	}
	gen++

	tmp, err := os.CreateTemp(filepath.Dir(p.path), "."+filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("raise signal: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.WriteString(strconv.FormatUint(gen, 10) + "\n")
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("raise signal: %w", errors.Join(werr, cerr))
	}
	_ = os.Chmod(tmpPath, 0o666)
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("raise signal: %w", err)
	}

	p.mu.Lock()
	p.cursor = gen
	p.mu.Unlock()
	return nil
}

func (p *filePrimitive) Wait(timeout time.Duration) (bool, error) {
	if hit, err := p.consume(); hit || err != nil {
		return hit, err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if p.watcher != nil {
		events = p.watcher.Events
		errs = p.watcher.Errors
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-p.closed:
			return false, ErrClosed
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != p.path || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if hit, err := p.consume(); hit || err != nil {
				return hit, err
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
			// Watch errors only cost latency: the timeout re-check still
			// observes the generation.
		case <-timer.C:
			return p.consume()
		}
	}
}

// consume reports a raise when the stored generation differs from the
// cursor. A missing file is not a raise.
func (p *filePrimitive) consume() (bool, error) {
	select {
	case <-p.closed:
		return false, ErrClosed
	default:
	}
	gen, err := readGeneration(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read signal: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen == p.cursor {
		return false, nil
	}
	p.cursor = gen
	return true, nil
}

func (p *filePrimitive) Cursor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *filePrimitive) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}

func readGeneration(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
