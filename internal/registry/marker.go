package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/mirror"
)

// Marker is the content of a workspace's marker file. A process started
// against the workspace reads it to learn which instance it is.
type Marker struct {
	Instance
	PrimaryRoot   string `json:"primary_root"`
	InstancesRoot string `json:"instances_root"`
}

// MarkerPath returns the marker file location inside workspace.
func MarkerPath(workspace string) string {
	return filepath.Join(workspace, mirror.MarkerFileName)
}

// WriteMarker records inst in workspace. It is written last when setting up
// a workspace, so its presence means the workspace is complete.
func WriteMarker(workspace string, m *Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := config.WriteFileAtomic(MarkerPath(workspace), data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// ReadMarker reads the marker of workspace. It returns nil without error
// when there is none.
func ReadMarker(workspace string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse marker %s: %w", MarkerPath(workspace), err)
	}
	return &m, nil
}

// HasMarker reports whether workspace carries a marker file.
func HasMarker(workspace string) bool {
	_, err := os.Stat(MarkerPath(workspace))
	return err == nil
}

// LocalInstance answers "who am I" for a process whose project root is
// projectRoot: the marker when the root is a secondary workspace, nil when
// it is a primary project.
func LocalInstance(projectRoot string) (*Marker, error) {
	return ReadMarker(projectRoot)
}
