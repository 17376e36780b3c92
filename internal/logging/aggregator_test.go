package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestAggregatorFlushOnStop(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()

	agg.Record(CompSignal, "wait_timeout", slog.String("signal", "OnAssetsChange"))
	agg.Record(CompSignal, "wait_timeout", slog.String("signal", "OnAssetsChange"))
	agg.Record(CompEvents, "assets_change_coalesced")
	agg.Stop()

	counts := map[string]float64{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var r map[string]any
		if err := json.Unmarshal(line, &r); err != nil {
			t.Fatalf("bad record %q: %v", line, err)
		}
		if r["msg"] != "event_summary" {
			t.Errorf("unexpected msg %v", r["msg"])
		}
		counts[r["event"].(string)] = r["count"].(float64)
	}

	if counts["wait_timeout"] != 2 {
		t.Errorf("wait_timeout count = %v, want 2", counts["wait_timeout"])
	}
	if counts["assets_change_coalesced"] != 1 {
		t.Errorf("assets_change_coalesced count = %v, want 1", counts["assets_change_coalesced"])
	}
}

func TestAggregatorNilLoggerAndDoubleStop(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Record(CompSignal, "dropped")
	agg.Stop()
	agg.Stop()
}
