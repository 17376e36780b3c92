package registry

import (
	"os"
	"slices"
	"time"
)

// Phase tags an instance whose workspace is being built or torn down.
type Phase string

const (
	PhaseNone        Phase = ""
	PhaseSettingUp   Phase = "setting_up"
	PhaseTearingDown Phase = "tearing_down"
)

// DefaultLayout is the layout a new instance applies on launch.
const DefaultLayout = "Default"

// Instance is one secondary workspace and its user settings.
type Instance struct {
	ID                         string    `json:"id"`
	PreferredLayout            string    `json:"preferred_layout"`
	AutoSync                   bool      `json:"auto_sync"`
	EnterPlayModeAutomatically bool      `json:"enter_play_mode_automatically"`
	Scenes                     []string  `json:"scenes,omitempty"`
	Phase                      Phase     `json:"phase,omitempty"`
	// PhasePID and PhaseSince identify the process that set Phase and
	// when (unix milliseconds). A tag whose process is gone is stale.
	PhasePID                   int       `json:"phase_pid,omitempty"`
	PhaseSince                 int64     `json:"phase_since,omitempty"`
	CreatedAt                  time.Time `json:"created_at"`
}

// NewInstance returns an instance with default settings.
func NewInstance(id string) *Instance {
	return &Instance{
		ID:                         id,
		PreferredLayout:            DefaultLayout,
		AutoSync:                   true,
		EnterPlayModeAutomatically: true,
		CreatedAt:                  time.Now().UTC().Truncate(time.Second),
	}
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Scenes = slices.Clone(i.Scenes)
	return &c
}

// ActiveScene is the first scene, or "" when there are none.
func (i *Instance) ActiveScene() string {
	if len(i.Scenes) == 0 {
		return ""
	}
	return i.Scenes[0]
}

// HasScene reports whether path is in the scene list.
func (i *Instance) HasScene(path string) bool {
	return slices.Contains(i.Scenes, path)
}

// SetScene adds path to the end of the scene list when enabled, or removes
// it otherwise.
func (i *Instance) SetScene(path string, enabled bool) {
	has := i.HasScene(path)
	switch {
	case enabled && !has:
		i.Scenes = append(i.Scenes, path)
	case !enabled && has:
		i.Scenes = slices.DeleteFunc(i.Scenes, func(s string) bool { return s == path })
	}
}

// MoveScene moves path to index, clamped to the list bounds. Index 0 makes
// it the active scene. A path not in the list is ignored.
func (i *Instance) MoveScene(path string, index int) {
	at := slices.Index(i.Scenes, path)
	if at < 0 {
		return
	}
	index = max(0, min(index, len(i.Scenes)-1))
	i.Scenes = slices.Delete(i.Scenes, at, at+1)
	i.Scenes = slices.Insert(i.Scenes, index, path)
}

func (i *Instance) setPhase(p Phase) {
	i.Phase = p
	i.PhasePID = os.Getpid()
	i.PhaseSince = time.Now().UnixMilli()
}

func (i *Instance) clearPhase() {
	i.Phase = PhaseNone
	i.PhasePID = 0
	i.PhaseSince = 0
}

// applySettings copies the user-editable fields from src.
func (i *Instance) applySettings(src *Instance) {
	i.PreferredLayout = src.PreferredLayout
	i.AutoSync = src.AutoSync
	i.EnterPlayModeAutomatically = src.EnterPlayModeAutomatically
	i.Scenes = slices.Clone(src.Scenes)
}
