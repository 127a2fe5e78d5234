package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("compaction finished", "action", "spill", "outputs", 4)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "compaction finished" || rec["action"] != "spill" {
		t.Fatalf("record = %v", rec)
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Format: "text", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record passed a warn filter")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record missing")
	}
}

func TestSetLevel_Dynamic(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "error", Format: "text", Output: &buf})

	SetLevel("debug")
	defer SetLevel("info")

	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("dynamic level change not applied")
	}
	if GetLevel() != "debug" {
		t.Errorf("GetLevel = %q, want debug", GetLevel())
	}
}

func TestContext_JobIDPropagation(t *testing.T) {
	ctx := WithJobID(context.Background(), "01J0000000000000000000JOB1")
	if got := JobIDFromContext(ctx); got != "01J0000000000000000000JOB1" {
		t.Fatalf("JobIDFromContext = %q", got)
	}
	if got := JobIDFromContext(context.Background()); got != "" {
		t.Fatalf("empty context job id = %q, want empty", got)
	}
}

func TestContext_LoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithLogger(context.Background(), l)
	ctx = WithJobID(ctx, "job-7")

	L(ctx).Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["job_id"] != "job-7" {
		t.Fatalf("job_id = %v, want job-7", rec["job_id"])
	}
}
