package testutils

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// LogRecorder is a slog.Handler keeping every record it handles.
type LogRecorder struct {
	level slog.Level

	mu      sync.Mutex
	records []slog.Record
}

// CaptureLogs installs a LogRecorder as the default logger until the end of the test.
// Records below level are dropped.
//
// Tests using it change a process wide setting and must not run in parallel.
func CaptureLogs(t *testing.T, level slog.Level) *LogRecorder {
	t.Helper()

	h := &LogRecorder{level: level}
	previous := slog.Default()
	slog.SetDefault(slog.New(h))
	t.Cleanup(func() { slog.SetDefault(previous) })

	return h
}

// Enabled implements Handler.Enabled.
func (h *LogRecorder) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements Handler.Handle.
func (h *LogRecorder) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record.Clone())
	return nil
}

// WithAttrs implements Handler.WithAttrs. Attributes are not tracked.
func (h *LogRecorder) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

// WithGroup implements Handler.WithGroup. Groups are not tracked.
func (h *LogRecorder) WithGroup(string) slog.Handler {
	return h
}

// Levels returns how many records were logged per level.
func (h *LogRecorder) Levels() map[slog.Level]uint {
	h.mu.Lock()
	defer h.mu.Unlock()

	levels := make(map[slog.Level]uint)
	for _, r := range h.records {
		levels[r.Level]++
	}
	return levels
}

// Attr returns the string value of the key attribute for every record logged with msg.
func (h *LogRecorder) Attr(msg, key string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var values []string
	for _, r := range h.records {
		if r.Message != msg {
			continue
		}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key {
				values = append(values, a.Value.String())
				return false
			}
			return true
		})
	}
	return values
}

// OutputLogs outputs the logs collected by the handler in a readable format.
func (h *LogRecorder) OutputLogs(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.records {
		t.Logf("Logged %v %s:", r.Level, r.Message)
		r.Attrs(func(attr slog.Attr) bool {
			t.Log(attr.String())
			return true
		})
	}
}
