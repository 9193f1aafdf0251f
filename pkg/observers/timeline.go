package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kirana/pkg/metrics"
)

// TimelineObserver writes a per-session timeline JSONL trace: every
// dispatch step, backend call, and tool execution in arrival order.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewTimelineObserver creates a timeline observer writing under dir.
func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEntry struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

// RecordEvent implements metrics.Observer. Events without a session_id tag
// are skipped; the timeline is a per-session artifact.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	entry := timelineEntry{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		SessionID: sessionID,
		Value:     ev.Value,
		Tags:      ev.Tags,
		Fields:    ev.Fields,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(sessionID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Close closes any open timeline files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileFor(sessionID string) *os.File {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.files[sessionID]; ok {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	name := filepath.Join(o.dir, sanitize(sessionID)+".jsonl")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[sessionID] = f
	return f
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
