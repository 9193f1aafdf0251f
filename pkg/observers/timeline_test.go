package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kirana/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	ev := metrics.MetricsEvent{
		Name: "tool_exec",
		Time: time.Now(),
		Tags: map[string]string{
			"session_id": "sess-1",
			"tool":       "add",
			"status":     "ok",
		},
	}
	obs.RecordEvent(ev)
	_ = obs.Close()

	path := filepath.Join(dir, "sess-1.jsonl")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "tool_exec") {
		t.Fatalf("expected tool_exec event in file, got %s", b)
	}
}

func TestTimelineObserverSkipsEventsWithoutSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: "backend_call", Time: time.Now()})
	_ = obs.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no timeline files, got %d", len(entries))
	}
}

func TestTimelineObserverSanitizesSessionIDs(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "dispatch_step",
		Time: time.Now(),
		Tags: map[string]string{"session_id": "../escape"},
	})
	_ = obs.Close()

	if _, err := os.Stat(filepath.Join(dir, "___escape.jsonl")); err != nil {
		t.Fatalf("sanitized file missing: %v", err)
	}
}
