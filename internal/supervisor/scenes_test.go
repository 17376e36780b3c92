package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteScenes_FirstSceneActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Library", SceneFileName)
	require.NoError(t, WriteScenes(path, []string{"Assets/A.unity", "Assets/B.unity"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var desc sceneDescriptor
	require.NoError(t, yaml.Unmarshal(data, &desc))
	require.Len(t, desc.SceneSetups, 2)
	assert.Equal(t, sceneSetup{Path: "Assets/A.unity", IsLoaded: 1, IsActive: 1}, desc.SceneSetups[0])
	assert.Equal(t, sceneSetup{Path: "Assets/B.unity", IsLoaded: 1, IsActive: 0}, desc.SceneSetups[1])

	scenes, err := ReadScenes(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Assets/A.unity", "Assets/B.unity"}, scenes)
}

func TestWriteScenes_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), SceneFileName)
	require.NoError(t, WriteScenes(path, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sceneSetups: []\n", string(data))

	scenes, err := ReadScenes(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, scenes)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "needs_repair", NeedsRepair.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs([]string{"-projectPath", "{project}", "--x={project}/y"}, "/ws")
	assert.Equal(t, []string{"-projectPath", "/ws", "--x=/ws/y"}, got)
}
