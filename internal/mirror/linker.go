package mirror

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/instance-deck/internal/config"
)

// Linker performs the filesystem operations a mirror is built from.
type Linker interface {
	// LinkDir makes dst a directory link to src.
	LinkDir(ctx context.Context, src, dst string) error
	// LinkFile makes dst share src's content.
	LinkFile(ctx context.Context, src, dst string) error
	// CopyTree copies src to dst recursively.
	CopyTree(ctx context.Context, src, dst string) error
	// RemoveAll removes path and everything below it without following links.
	RemoveAll(ctx context.Context, path string) error
	// ForgetHostProject drops path from the host's recently used projects.
	ForgetHostProject(ctx context.Context, path string) error
}

// NewLinker returns a HelperLinker when an external helper is configured,
// otherwise a NativeLinker.
func NewLinker(settings config.MirrorSettings, recentProjectsFile string) Linker {
	native := &NativeLinker{RecentProjectsFile: recentProjectsFile}
	if settings.Helper != "" {
		return &HelperLinker{Path: settings.Helper, Native: native}
	}
	return native
}

// NativeLinker links with the calling user's own privileges: directory
// symlinks, hard links for files (symlink when crossing devices), and a
// plain recursive copy.
type NativeLinker struct {
	// RecentProjectsFile is the host's list of recently used projects, one
	// path per line. Empty disables ForgetHostProject.
	RecentProjectsFile string
}

func checkPair(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return fmt.Errorf("%s: %w", src, ErrSameSourceTarget)
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%s: %w", src, ErrSourceMissing)
	}
	if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
		return fmt.Errorf("%s: %w", dst, ErrTargetNotEmpty)
	}
	return nil
}

// LinkDir implements Linker.
func (n *NativeLinker) LinkDir(ctx context.Context, src, dst string) error {
	if err := checkPair(src, dst); err != nil {
		return err
	}
	// An empty pre-existing target dir would block the symlink.
	_ = os.Remove(dst)
	if err := os.Symlink(src, dst); err != nil {
		return fmt.Errorf("link dir %s: %w", dst, err)
	}
	return nil
}

// LinkFile implements Linker.
func (n *NativeLinker) LinkFile(ctx context.Context, src, dst string) error {
	if err := checkPair(src, dst); err != nil {
		return err
	}
	if err := os.Link(src, dst); err != nil {
		// Hard links cannot cross devices and are refused on some
		// filesystems; a symlink still shares the content.
		if serr := os.Symlink(src, dst); serr != nil {
			return fmt.Errorf("link file %s: %w", dst, errors.Join(err, serr))
		}
	}
	return nil
}

// CopyTree implements Linker.
func (n *NativeLinker) CopyTree(ctx context.Context, src, dst string) error {
	if err := checkPair(src, dst); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, pipes and devices are not part of a cache.
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RemoveAll implements Linker.
func (n *NativeLinker) RemoveAll(ctx context.Context, path string) error {
	return os.RemoveAll(path)
}

// ForgetHostProject implements Linker.
func (n *NativeLinker) ForgetHostProject(ctx context.Context, path string) error {
	if n.RecentProjectsFile == "" {
		return nil
	}
	data, err := os.ReadFile(n.RecentProjectsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	want := filepath.Clean(path)
	var out bytes.Buffer
	removed := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && filepath.Clean(trimmed) == want {
			removed = true
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !removed {
		return nil
	}

	perm := os.FileMode(0o644)
	if info, err := os.Stat(n.RecentProjectsFile); err == nil {
		perm = info.Mode().Perm()
	}
	return config.WriteFileAtomic(n.RecentProjectsFile, out.Bytes(), perm)
}
