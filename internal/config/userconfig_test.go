package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// withHome points the base dir at a fresh temp dir and clears the cache.
func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(HomeEnvVar, dir)
	ClearCache()
	t.Cleanup(ClearCache)
	return dir
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	withHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}

	m := GetMirrorSettings()
	if m.CacheDir != "Library" {
		t.Errorf("CacheDir = %q, want Library", m.CacheDir)
	}
	if len(m.SharedDirs) != 4 {
		t.Errorf("SharedDirs = %v, want 4 defaults", m.SharedDirs)
	}
	if m.Workers != 8 {
		t.Errorf("Workers = %d, want 8", m.Workers)
	}
	if len(m.DeepCopy) != 2 {
		t.Errorf("DeepCopy = %v", m.DeepCopy)
	}

	s := GetSignalSettings()
	if s.WaitTimeoutMs != 500 {
		t.Errorf("WaitTimeoutMs = %d, want 500", s.WaitTimeoutMs)
	}

	h := GetHostSettings()
	if len(h.Args) != 2 || h.Args[1] != "{project}" {
		t.Errorf("Args = %v", h.Args)
	}
}

func TestLoad_OverridesAndExplicitEmptyExclude(t *testing.T) {
	dir := withHome(t)
	writeConfig(t, dir, `
[host]
executable = "/opt/host/bin/host"

[host.commands]
apply_layout = "host-cli layout {layout}"

[mirror]
cache_dir = "Cache"
exclude = []
workers = 2

[signals]
wait_timeout_ms = 50
`)

	m := GetMirrorSettings()
	if m.CacheDir != "Cache" {
		t.Errorf("CacheDir = %q, want Cache", m.CacheDir)
	}
	if m.Exclude == nil || len(m.Exclude) != 0 {
		t.Errorf("Exclude = %v, want explicit empty list", m.Exclude)
	}
	if m.Workers != 2 {
		t.Errorf("Workers = %d, want 2", m.Workers)
	}

	h := GetHostSettings()
	if h.Executable != "/opt/host/bin/host" {
		t.Errorf("Executable = %q", h.Executable)
	}
	if h.Commands.ApplyLayout != "host-cli layout {layout}" {
		t.Errorf("ApplyLayout = %q", h.Commands.ApplyLayout)
	}

	if got := GetSignalSettings().WaitTimeoutMs; got != 50 {
		t.Errorf("WaitTimeoutMs = %d, want 50", got)
	}
}

func TestLoad_ParseErrorReturnsEmptyConfig(t *testing.T) {
	dir := withHome(t)
	writeConfig(t, dir, "[mirror\nbroken")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Expected parse error")
	}
	if cfg == nil {
		t.Fatal("Expected empty config alongside the error")
	}
	if GetMirrorSettings().CacheDir != "Library" {
		t.Error("Defaults should still apply after a parse error")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	dir := withHome(t)

	cfg := &Config{}
	cfg.Mirror.Helper = "/usr/local/bin/linkhelper"
	cfg.Instances.Root = "/srv/instances"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), "# instance-deck configuration") {
		t.Errorf("Missing header: %q", string(data[:40]))
	}

	loaded, err := Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if loaded.Mirror.Helper != "/usr/local/bin/linkhelper" {
		t.Errorf("Helper = %q", loaded.Mirror.Helper)
	}
	if GetInstanceSettings().Root != "/srv/instances" {
		t.Errorf("Root = %q", GetInstanceSettings().Root)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Leftover temp file %s", e.Name())
		}
	}
}

func TestWriteFileAtomic_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "two" {
		t.Errorf("content = %q, want two", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o644 {
		t.Errorf("perm = %v, want 0644", info.Mode().Perm())
	}
}
