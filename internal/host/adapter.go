// Package host drives the editor process an instance runs: applying a
// layout, refreshing assets, following play mode and quitting.
package host

import (
	"context"
	"slices"
	"sync"
)

// Adapter is the set of host actions the event router triggers.
type Adapter interface {
	ApplyLayout(ctx context.Context, name string) error
	RefreshAssets(ctx context.Context) error
	EnterPlayMode(ctx context.Context) error
	ExitPlayMode(ctx context.Context) error
	RestoreScenes(ctx context.Context, scenes []string) error
	Quit(ctx context.Context) error
}

// Call is one recorded adapter invocation.
type Call struct {
	Action string
	Args   []string
}

// Recorder is an in-memory Adapter for dry runs and tests.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	notify chan Call
}

// NewRecorder returns a recorder. Calls are also sent to a channel buffered
// for buffer entries; sends never block.
func NewRecorder(buffer int) *Recorder {
	return &Recorder{notify: make(chan Call, buffer)}
}

func (r *Recorder) record(action string, args ...string) error {
	c := Call{Action: action, Args: args}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	select {
	case r.notify <- c:
	default:
	}
	return nil
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Actions returns the recorded action names in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Action)
	}
	return out
}

// C delivers calls as they happen.
func (r *Recorder) C() <-chan Call {
	return r.notify
}

func (r *Recorder) ApplyLayout(ctx context.Context, name string) error {
	return r.record(ActionApplyLayout, name)
}

func (r *Recorder) RefreshAssets(ctx context.Context) error {
	return r.record(ActionRefreshAssets)
}

func (r *Recorder) EnterPlayMode(ctx context.Context) error {
	return r.record(ActionEnterPlayMode)
}

func (r *Recorder) ExitPlayMode(ctx context.Context) error {
	return r.record(ActionExitPlayMode)
}

func (r *Recorder) RestoreScenes(ctx context.Context, scenes []string) error {
	return r.record(ActionRestoreScenes, scenes...)
}

func (r *Recorder) Quit(ctx context.Context) error {
	return r.record(ActionQuit)
}

// Action names used by Recorder and in log records.
const (
	ActionApplyLayout   = "apply_layout"
	ActionRefreshAssets = "refresh_assets"
	ActionEnterPlayMode = "enter_play_mode"
	ActionExitPlayMode  = "exit_play_mode"
	ActionRestoreScenes = "restore_scenes"
	ActionQuit          = "quit"
)
