package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/asheshgoplani/instance-deck/internal/config"
)

// SceneFileName is the host's scene restoration file inside the cache dir.
const SceneFileName = "LastSceneManagerSetup.txt"

type sceneSetup struct {
	Path       string `yaml:"path"`
	IsLoaded   int    `yaml:"isLoaded"`
	IsActive   int    `yaml:"isActive"`
	IsSubScene int    `yaml:"isSubScene"`
}

type sceneDescriptor struct {
	SceneSetups []sceneSetup `yaml:"sceneSetups"`
}

// WriteScenes writes the descriptor that makes the host open scenes on
// launch. Every scene is loaded; the first one is active.
func WriteScenes(path string, scenes []string) error {
	desc := sceneDescriptor{SceneSetups: make([]sceneSetup, 0, len(scenes))}
	for i, s := range scenes {
		active := 0
		if i == 0 {
			active = 1
		}
		desc.SceneSetups = append(desc.SceneSetups, sceneSetup{Path: s, IsLoaded: 1, IsActive: active})
	}
	data, err := yaml.Marshal(&desc)
	if err != nil {
		return fmt.Errorf("marshal scenes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return config.WriteFileAtomic(path, data, 0o644)
}

// ReadScenes returns the scene paths of a descriptor in order. A missing
// file has no scenes.
func ReadScenes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var desc sceneDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse scenes: %w", err)
	}
	scenes := make([]string, 0, len(desc.SceneSetups))
	for _, s := range desc.SceneSetups {
		scenes = append(scenes, s.Path)
	}
	return scenes, nil
}

// snapshotFile captures path and returns a func that puts it back: the old
// content when it existed, no file otherwise.
func snapshotFile(path string) func() {
	data, err := os.ReadFile(path)
	existed := err == nil
	return func() {
		if existed {
			if err := config.WriteFileAtomic(path, data, 0o644); err != nil {
				supLog.Warn("scene_file_restore_failed", slog.String("path", path), slog.String("error", err.Error()))
			}
			return
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			supLog.Warn("scene_file_restore_failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}
