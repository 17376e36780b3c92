package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// readRecords parses a JSONL log file into records, skipping partial lines.
func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var records []map[string]any
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(data[start:i], &r); err == nil {
			records = append(records, r)
		}
		start = i + 1
	}
	return records
}

func findMsg(records []map[string]any, msg string) map[string]any {
	for _, r := range records {
		if r["msg"] == msg {
			return r
		}
	}
	return nil
}

func TestInitWritesJSONL(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	Logger().Info("instance_created", "id", "a1b2")

	r := findMsg(readRecords(t, filepath.Join(dir, LogFileName)), "instance_created")
	if r == nil {
		t.Fatal("expected instance_created record")
	}
	if r["id"] != "a1b2" {
		t.Errorf("expected id=a1b2, got %v", r["id"])
	}
}

func TestInitWithoutDirDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	if Logger() == nil {
		t.Fatal("expected non-nil logger in discard mode")
	}
	Logger().Info("goes_nowhere")
}

func TestForComponentCreatedBeforeInit(t *testing.T) {
	Shutdown()
	early := ForComponent(CompSupervisor)

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	early.Info("process_spawned", "pid", 42)

	r := findMsg(readRecords(t, filepath.Join(dir, LogFileName)), "process_spawned")
	if r == nil {
		t.Fatal("component logger created before Init lost its record")
	}
	if r["component"] != CompSupervisor {
		t.Errorf("expected component=%s, got %v", CompSupervisor, r["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("filtered_out")
	Logger().Warn("kept")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	if findMsg(records, "filtered_out") != nil {
		t.Error("info record should be filtered at warn level")
	}
	if findMsg(records, "kept") == nil {
		t.Error("warn record missing")
	}
}

func TestTextFormat(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err == nil {
		t.Error("expected text output, got JSON")
	}
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, RingBufferSize: 4096})
	defer Shutdown()

	Logger().Info("before_crash")

	dump := filepath.Join(dir, "crash-dump.jsonl")
	if err := DumpRingBuffer(dump); err != nil {
		t.Fatalf("DumpRingBuffer: %v", err)
	}
	if findMsg(readRecords(t, dump), "before_crash") == nil {
		t.Error("crash dump missing record")
	}
}
