package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// Helper verbs.
const (
	VerbCreate                 = "create"
	VerbDelete                 = "delete"
	VerbDeleteHostRegistration = "delete-host-registration"
)

var (
	// ErrHelperMissing is returned when the configured helper cannot be executed.
	ErrHelperMissing = errors.New("link helper not found")

	ErrNotElevated      = errors.New("process is not elevated")
	ErrSourceMissing    = errors.New("source does not exist, or is locked")
	ErrTargetNotEmpty   = errors.New("target is not empty")
	ErrSameSourceTarget = errors.New("source and target are the same")
	ErrHelperUnknown    = errors.New("unknown link helper error")
)

// HelperError is a non-zero exit of the link helper.
type HelperError struct {
	Verb   string
	Args   []string
	Code   int
	Stderr string
}

// reason maps documented exit codes; anything else is unknown.
func (e *HelperError) reason() error {
	switch e.Code {
	case 1:
		return ErrNotElevated
	case 2:
		return ErrSourceMissing
	case 3:
		return ErrTargetNotEmpty
	case 4:
		return ErrSameSourceTarget
	default:
		return ErrHelperUnknown
	}
}

func (e *HelperError) Error() string {
	msg := fmt.Sprintf("link helper %s %s: exit %d: %v", e.Verb, strings.Join(e.Args, " "), e.Code, e.reason())
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the sentinel for the exit code.
func (e *HelperError) Unwrap() error {
	return e.reason()
}

// HelperLinker delegates link creation and removal to an external helper
// process, invoked as "<helper> <verb> <path> [<path>]". Deep copies run
// natively since the helper has no copy verb.
type HelperLinker struct {
	Path   string
	Native *NativeLinker
}

func (h *HelperLinker) run(ctx context.Context, verb string, args ...string) error {
	cmd := exec.CommandContext(ctx, h.Path, append([]string{verb}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &HelperError{
			Verb:   verb,
			Args:   args,
			Code:   exitErr.ExitCode(),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s: %w", h.Path, ErrHelperMissing)
	}
	return fmt.Errorf("run link helper: %w", err)
}

// LinkDir implements Linker.
func (h *HelperLinker) LinkDir(ctx context.Context, src, dst string) error {
	return h.run(ctx, VerbCreate, src, dst)
}

// LinkFile implements Linker.
func (h *HelperLinker) LinkFile(ctx context.Context, src, dst string) error {
	return h.run(ctx, VerbCreate, src, dst)
}

// CopyTree implements Linker.
func (h *HelperLinker) CopyTree(ctx context.Context, src, dst string) error {
	return h.native().CopyTree(ctx, src, dst)
}

// RemoveAll implements Linker.
func (h *HelperLinker) RemoveAll(ctx context.Context, path string) error {
	return h.run(ctx, VerbDelete, path)
}

// ForgetHostProject implements Linker.
func (h *HelperLinker) ForgetHostProject(ctx context.Context, path string) error {
	return h.run(ctx, VerbDeleteHostRegistration, path)
}

func (h *HelperLinker) native() *NativeLinker {
	if h.Native == nil {
		return &NativeLinker{}
	}
	return h.Native
}
