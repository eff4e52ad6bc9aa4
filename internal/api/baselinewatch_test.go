package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tepmonitor/internal/detector"
	"tepmonitor/internal/frame"
	"tepmonitor/internal/telemetry/events"
	"tepmonitor/pkg/tep"
)

func writeBaselineFile(t *testing.T, path string, model *tep.BaselineModel) {
	t.Helper()
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("marshal model: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
}

func TestWatchBaselineReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	initial := simpleModel()
	writeBaselineFile(t, path, initial)

	det := detector.New(detector.DefaultConfig(), initial)
	bus := events.NewBus(nil)
	buf := frame.NewBuffer(10)
	if err := buf.Append(tep.SensorFrame{Step: 1}); err != nil {
		t.Fatalf("seed buffer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := WatchBaseline(ctx, path, det, buf, bus); err != nil {
		t.Fatalf("WatchBaseline: %v", err)
	}

	updated := simpleModel()
	updated.ThresholdT2 = 42

	deadline := time.Now().Add(3 * time.Second)
	for {
		writeBaselineFile(t, path, updated)
		time.Sleep(50 * time.Millisecond)
		if det.Baseline().ThresholdT2 == 42 {
			if buf.Len() != 0 {
				t.Fatalf("expected buffer flushed on reload, got %d frames", buf.Len())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected baseline to reload with threshold 42, got %v", det.Baseline().ThresholdT2)
		}
	}
}
