// Package obs provides the structured observability port used to make
// swallow-and-continue decisions visible. Components report every tolerated
// failure as a named event with typed fields; production wires a zap-backed
// recorder, tests wire a recording one.
package obs

import (
	"sync"

	"go.uber.org/zap"
)

// Recorder receives named events with structured fields. Implementations must
// be safe for concurrent use and must never block the caller.
type Recorder interface {
	Event(name string, fields ...zap.Field)
}

// ZapRecorder logs every event at warn level. Tolerated failures are still
// anomalies worth surfacing in logs.
type ZapRecorder struct {
	logger *zap.Logger
}

// NewZapRecorder creates a zap-backed recorder.
func NewZapRecorder(logger *zap.Logger) *ZapRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapRecorder{logger: logger.With(zap.String("component", "obs"))}
}

// Event implements Recorder.
func (r *ZapRecorder) Event(name string, fields ...zap.Field) {
	r.logger.Warn(name, fields...)
}

// RecordedEvent is one captured event.
type RecordedEvent struct {
	Name   string
	Fields []zap.Field
}

// MemoryRecorder captures events for assertions in tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewMemoryRecorder creates an empty recording sink.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Event implements Recorder.
func (r *MemoryRecorder) Event(name string, fields ...zap.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Name: name, Fields: fields})
}

// Events returns a copy of all captured events in emission order.
func (r *MemoryRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the captured event names in emission order.
func (r *MemoryRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

// Has reports whether an event with the given name was captured.
func (r *MemoryRecorder) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Count returns how many events with the given name were captured.
func (r *MemoryRecorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Reset drops all captured events.
func (r *MemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
