package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// HomeEnvVar overrides the base directory (~/.instance-deck).
	HomeEnvVar = "INSTANCEDECK_HOME"

	// ProjectsDirName holds one instances root per primary project.
	ProjectsDirName = "projects"
)

// BaseDir returns the per-user base directory.
func BaseDir() (string, error) {
	if dir := os.Getenv(HomeEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".instance-deck"), nil
}

// ProjectKey derives a stable directory name for a primary project root:
// the project's base name plus a short hash of its absolute path, so two
// projects with the same name never share an instances root.
func ProjectKey(projectRoot string) string {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = projectRoot
	}
	abs = filepath.Clean(abs)
	name := strings.ToLower(filepath.Base(abs))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	return fmt.Sprintf("%s-%08x", name, uint32(xxhash.Sum64String(abs)))
}

// InstancesRoot returns the directory that holds the registry document,
// the state database and every secondary workspace of projectRoot.
func InstancesRoot(projectRoot string) (string, error) {
	root := GetInstanceSettings().Root
	if root == "" {
		base, err := BaseDir()
		if err != nil {
			return "", err
		}
		root = filepath.Join(base, ProjectsDirName)
	}
	return filepath.Join(expandTilde(root), ProjectKey(projectRoot)), nil
}

// expandTilde expands a leading ~ to the home directory.
func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
