package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside BaseDir.
const FileName = "config.toml"

// Config is the user-facing configuration.
type Config struct {
	Host      HostSettings     `toml:"host"`
	Mirror    MirrorSettings   `toml:"mirror"`
	Instances InstanceSettings `toml:"instances"`
	Signals   SignalSettings   `toml:"signals"`
	Logs      LogSettings      `toml:"logs"`
}

// HostSettings describes the host application that secondaries run.
type HostSettings struct {
	// Executable is the host application binary spawned for each secondary.
	Executable string `toml:"executable"`

	// Args are passed to Executable. "{project}" is replaced by the
	// workspace path. Default: ["-projectPath", "{project}"]
	Args []string `toml:"args"`

	// RecentProjectsFile is the host's own "recently used projects" list
	// (one path per line). Secondary workspaces are removed from it when
	// they close. Empty disables the cleanup.
	RecentProjectsFile string `toml:"recent_projects_file"`

	// Commands run inside a secondary when primary-side events arrive.
	Commands HostCommands `toml:"commands"`
}

// HostCommands are shell commands executed by the command host adapter.
// An empty command is a no-op.
type HostCommands struct {
	RefreshAssets string `toml:"refresh_assets"`
	EnterPlayMode string `toml:"enter_play_mode"`
	ExitPlayMode  string `toml:"exit_play_mode"`

	// ApplyLayout receives the layout name through {layout}.
	ApplyLayout string `toml:"apply_layout"`

	// RestoreScenes receives the scene list through {scenes}, shell quoted
	// and space separated.
	RestoreScenes string `toml:"restore_scenes"`

	Quit string `toml:"quit"`
}

// MirrorSettings controls how a secondary workspace is populated.
type MirrorSettings struct {
	// SharedDirs are top-level directories linked as a whole.
	SharedDirs []string `toml:"shared_dirs"`

	// CacheDir is the build-cache directory whose children are linked one by one.
	CacheDir string `toml:"cache_dir"`

	// Exclude lists patterns (matched against cache child names) that are
	// never linked: lock files, search indices, per-process state.
	Exclude []string `toml:"exclude"`

	// DeepCopy lists cache children that are copied instead of linked
	// because concurrent writers corrupt a shared copy.
	DeepCopy []string `toml:"deep_copy"`

	// Helper is an external link helper executable. Empty uses native links.
	Helper string `toml:"helper"`

	// Workers bounds the number of concurrent link/copy operations.
	Workers int `toml:"workers"`

	// DeleteRetries bounds retries when a workspace removal hits a
	// transient lock.
	DeleteRetries int `toml:"delete_retries"`
}

// InstanceSettings controls where instances live.
type InstanceSettings struct {
	// Root holds one directory per primary project. Default: ~/.instance-deck/projects
	Root string `toml:"root"`
}

// SignalSettings controls the cross-process signal primitive.
type SignalSettings struct {
	// Dir holds signal files. Default: $XDG_RUNTIME_DIR/instance-deck or
	// <tmp>/instance-deck-<uid>.
	Dir string `toml:"dir"`

	// WaitTimeoutMs bounds each client wait so cancellation is observed.
	WaitTimeoutMs int `toml:"wait_timeout_ms"`

	// AssetChangeMinIntervalMs coalesces bursts of asset-change raises.
	AssetChangeMinIntervalMs int `toml:"asset_change_min_interval_ms"`
}

// LogSettings defines log file management configuration.
type LogSettings struct {
	// DebugLevel sets the minimum log level: "debug", "info", "warn", "error"
	DebugLevel string `toml:"debug_level"`

	// DebugFormat sets the log format: "json" (default) or "text"
	DebugFormat string `toml:"debug_format"`

	DebugMaxMB         int  `toml:"debug_max_mb"`
	DebugBackups       int  `toml:"debug_backups"`
	DebugRetentionDays int  `toml:"debug_retention_days"`
	DebugCompress      bool `toml:"debug_compress"`
	RingBufferMB       int  `toml:"ring_buffer_mb"`
	AggregateIntervalS int  `toml:"aggregate_interval_secs"`
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Path returns the config file location.
func Path() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads config.toml once and caches it. A missing file yields an
// empty config; getters fill in defaults. A parse error is returned
// alongside the empty config so callers can report it and continue.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &Config{}
		return cache, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cache = &Config{}
		return cache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		cache = &Config{}
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}
	cache = &cfg
	return cache, nil
}

// Reload drops the cache and reads config.toml again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config; the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// Save writes cfg to config.toml: temp file, fsync, rename.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# instance-deck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	ClearCache()
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func load() *Config {
	cfg, _ := Load()
	if cfg == nil {
		return &Config{}
	}
	return cfg
}

// GetHostSettings returns host settings with defaults applied.
func GetHostSettings() HostSettings {
	s := load().Host
	if len(s.Args) == 0 {
		s.Args = []string{"-projectPath", "{project}"}
	}
	s.RecentProjectsFile = expandTilde(s.RecentProjectsFile)
	return s
}

// GetMirrorSettings returns mirror settings with defaults applied.
func GetMirrorSettings() MirrorSettings {
	s := load().Mirror
	if len(s.SharedDirs) == 0 {
		s.SharedDirs = []string{"Assets", "Packages", "ProjectSettings", "UserSettings"}
	}
	if s.CacheDir == "" {
		s.CacheDir = "Library"
	}
	if s.Exclude == nil {
		s.Exclude = []string{
			"*-lock",
			"Search",
			"LastSceneManagerSetup.txt",
			"EditorInstance.json",
			"ArtifactDB",
			"SourceAssetDB",
			"Bee",
		}
	}
	if s.DeepCopy == nil {
		s.DeepCopy = []string{"ArtifactDB", "SourceAssetDB"}
	}
	if s.Workers <= 0 {
		s.Workers = 8
	}
	if s.DeleteRetries <= 0 {
		s.DeleteRetries = 5
	}
	s.Helper = expandTilde(s.Helper)
	return s
}

// GetInstanceSettings returns instance settings.
func GetInstanceSettings() InstanceSettings {
	return load().Instances
}

// GetSignalSettings returns signal settings with defaults applied.
func GetSignalSettings() SignalSettings {
	s := load().Signals
	if s.WaitTimeoutMs <= 0 {
		s.WaitTimeoutMs = 500
	}
	if s.AssetChangeMinIntervalMs <= 0 {
		s.AssetChangeMinIntervalMs = 250
	}
	s.Dir = expandTilde(s.Dir)
	return s
}

// GetLogSettings returns log settings with defaults applied.
func GetLogSettings() LogSettings {
	s := load().Logs
	if s.DebugLevel == "" {
		s.DebugLevel = "info"
	}
	if s.DebugFormat == "" {
		s.DebugFormat = "json"
	}
	if s.DebugMaxMB <= 0 {
		s.DebugMaxMB = 10
	}
	if s.DebugBackups <= 0 {
		s.DebugBackups = 5
	}
	if s.DebugRetentionDays <= 0 {
		s.DebugRetentionDays = 10
	}
	if s.RingBufferMB <= 0 {
		s.RingBufferMB = 10
	}
	if s.AggregateIntervalS <= 0 {
		s.AggregateIntervalS = 30
	}
	return s
}
