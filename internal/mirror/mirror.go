// Package mirror populates and destroys secondary workspaces. Shared
// content is linked to the primary project; build-cache entries that
// concurrent processes would corrupt are excluded or deep-copied.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/patternmatcher"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/logging"
)

var mirrorLog = logging.ForComponent(logging.CompMirror)

// MarkerFileName is never linked from the primary root; each workspace
// writes its own.
const MarkerFileName = ".instance"

// Mirror creates and deletes workspaces linked to a primary project.
type Mirror struct {
	settings config.MirrorSettings
	linker   Linker
	exclude  *patternmatcher.PatternMatcher
	deepCopy map[string]bool

	// retryInterval is the first delete retry delay.
	retryInterval time.Duration
}

// New builds a mirror from settings.
func New(settings config.MirrorSettings, linker Linker) (*Mirror, error) {
	pm, err := patternmatcher.New(settings.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid mirror exclude pattern: %w", err)
	}
	deep := make(map[string]bool, len(settings.DeepCopy))
	for _, name := range settings.DeepCopy {
		deep[name] = true
	}
	if settings.Workers <= 0 {
		settings.Workers = 8
	}
	if settings.DeleteRetries <= 0 {
		settings.DeleteRetries = 5
	}
	return &Mirror{
		settings:      settings,
		linker:        linker,
		exclude:       pm,
		deepCopy:      deep,
		retryInterval: 100 * time.Millisecond,
	}, nil
}

// Settings returns the effective settings.
func (m *Mirror) Settings() config.MirrorSettings {
	return m.settings
}

// Linker returns the linker in use.
func (m *Mirror) Linker() Linker {
	return m.linker
}

type task struct {
	kind     string
	src, dst string
}

// plan lists every link and copy needed to mirror source into target.
func (m *Mirror) plan(source, target string) ([]task, error) {
	var tasks []task
	shared := make(map[string]bool, len(m.settings.SharedDirs)+1)

	for _, dir := range m.settings.SharedDirs {
		shared[dir] = true
		src := filepath.Join(source, dir)
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			mirrorLog.Debug("shared_dir_missing", slog.String("dir", src))
			continue
		}
		tasks = append(tasks, task{kind: "link_dir", src: src, dst: filepath.Join(target, dir)})
	}
	shared[m.settings.CacheDir] = true

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", source, ErrSourceMissing)
	}
	for _, e := range entries {
		name := e.Name()
		if shared[name] || name == MarkerFileName {
			continue
		}
		src := filepath.Join(source, name)
		switch {
		case e.Type().IsRegular():
		case e.Type()&os.ModeSymlink != 0:
			resolved, ok := resolveFileLink(src)
			if !ok {
				mirrorLog.Info("top_level_link_skipped", slog.String("path", src))
				continue
			}
			src = resolved
		default:
			// Directories outside SharedDirs are per-instance.
			continue
		}
		tasks = append(tasks, task{kind: "link_file", src: src, dst: filepath.Join(target, name)})
	}

	cacheSrc := filepath.Join(source, m.settings.CacheDir)
	children, err := os.ReadDir(cacheSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return tasks, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	cacheDst := filepath.Join(target, m.settings.CacheDir)
	for _, c := range children {
		name := c.Name()
		src := filepath.Join(cacheSrc, name)
		dst := filepath.Join(cacheDst, name)
		if m.deepCopy[name] {
			tasks = append(tasks, task{kind: "copy", src: src, dst: dst})
			continue
		}
		excluded, err := m.exclude.MatchesOrParentMatches(name)
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", name, err)
		}
		if excluded {
			continue
		}
		switch {
		case c.IsDir():
			tasks = append(tasks, task{kind: "link_dir", src: src, dst: dst})
		case c.Type()&os.ModeSymlink != 0:
			if info, err := os.Stat(src); err == nil && info.IsDir() {
				tasks = append(tasks, task{kind: "link_dir", src: src, dst: dst})
			} else if resolved, ok := resolveFileLink(src); ok {
				tasks = append(tasks, task{kind: "link_file", src: resolved, dst: dst})
			} else {
				mirrorLog.Info("cache_link_skipped", slog.String("path", src))
			}
		default:
			tasks = append(tasks, task{kind: "link_file", src: src, dst: dst})
		}
	}
	return tasks, nil
}

// resolveFileLink follows a symlink to a regular file. A hard link to the
// link itself would keep a relative target that breaks in the workspace.
func resolveFileLink(path string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return resolved, true
}

// Create replaces target with a fresh mirror of source. Entries are linked
// concurrently; the first failure cancels the rest and is returned, leaving
// target partially populated.
func (m *Mirror) Create(ctx context.Context, source, target string) error {
	if filepath.Clean(source) == filepath.Clean(target) {
		return fmt.Errorf("mirror %s: %w", source, ErrSameSourceTarget)
	}
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return fmt.Errorf("mirror %s: %w", source, ErrSourceMissing)
	}

	start := time.Now()
	if err := m.Delete(ctx, target); err != nil {
		return fmt.Errorf("clear target: %w", err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create target: %w", err)
	}

	tasks, err := m.plan(source, target)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(source, m.settings.CacheDir)); err == nil {
		if err := os.MkdirAll(filepath.Join(target, m.settings.CacheDir), 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.settings.Workers)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var err error
			switch t.kind {
			case "link_dir":
				err = m.linker.LinkDir(gctx, t.src, t.dst)
			case "link_file":
				err = m.linker.LinkFile(gctx, t.src, t.dst)
			case "copy":
				err = m.linker.CopyTree(gctx, t.src, t.dst)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", t.kind, t.dst, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		mirrorLog.Error("mirror_create_failed",
			slog.String("source", source),
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return err
	}

	mirrorLog.Info("mirror_created",
		slog.String("source", source),
		slog.String("target", target),
		slog.Int("entries", len(tasks)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Delete removes target. Transient lock errors are retried with
// exponential backoff up to the configured retry count. A missing target
// is success.
func (m *Mirror) Delete(ctx context.Context, target string) error {
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.settings.DeleteRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := m.linker.RemoveAll(ctx, target)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		mirrorLog.Debug("mirror_delete_retry",
			slog.String("target", target),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("delete %s: %w", target, err)
	}
	mirrorLog.Info("mirror_deleted", slog.String("target", target))
	return nil
}

// DeleteHostRegistration drops target from the host's recently used
// projects. Best effort: failures are logged, never returned.
func (m *Mirror) DeleteHostRegistration(ctx context.Context, target string) {
	if err := m.linker.ForgetHostProject(ctx, target); err != nil {
		mirrorLog.Debug("host_registration_cleanup_failed",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ENOTEMPTY) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, ErrSourceMissing)
}

// IsEmptyOrMissing reports whether path does not exist or has no entries.
func IsEmptyOrMissing(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	names, _ := f.Readdirnames(1)
	return len(names) == 0
}
