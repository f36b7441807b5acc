package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoggerWritesJSONFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrator.log")
	l, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path, TimeFormat: "rfc3339"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	l.NewComponentLogger("scan").
		WithTargetSourceID("ts-1").
		WithProvider("AWS").
		WithFields(map[string]interface{}{"credential_id": "cred-1", "resource_count": 3}).
		Debug("scan started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("log line is not JSON: %s", data)
	}
	delete(got, "time")

	want := map[string]interface{}{
		"level":            "debug",
		"message":          "scan started",
		"component":        "scan",
		"target_source_id": "ts-1",
		"provider":         "AWS",
		"credential_id":    Redacted,
		"resource_count":   float64(3),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("log fields mismatch (-want +got):\n%s", diff)
	}
}

func TestLoggerLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrator.log")
	l, err := NewLogger(LoggingConfig{Level: "WARN", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	l.Info("dropped")
	l.Warnf("kept %d", 1)

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept 1") {
		t.Errorf("unexpected output: %s", data)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("a bare context yields a discarding logger")
	}
	l := NewNopLogger().NewComponentLogger("api")
	if FromContext(l.WithContext(context.Background())) != l {
		t.Error("logger not attached to the context")
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		key  string
		want interface{}
	}{
		{key: "credential_id", want: Redacted},
		{key: "DB_PASSWORD", want: Redacted},
		{key: "api_token", want: Redacted},
		{key: "resource_id", want: "value"},
	}
	for _, tt := range tests {
		if got := redact(tt.key, "value"); got != tt.want {
			t.Errorf("redact(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
