package metrics

import "time"

// MetricsEvent is one observability sample emitted by the dispatch core:
// step transitions, backend call latency, per-tool execution outcomes,
// token usage.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Event builds a MetricsEvent stamped with the current time.
func Event(name string, value float64, tags map[string]string, fields map[string]any) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now().UTC(), Value: value, Tags: tags, Fields: fields}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
