package ui

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// logRecordMsg carries one log record into the status bar.
type logRecordMsg struct {
	Summary string
	Level   slog.Level
	At      time.Time
}

// logRecordFadeMsg clears the status bar record it names, if still shown.
type logRecordFadeMsg struct {
	At time.Time
}

const logRecordFadeDelay = 5 * time.Second

// LogHandler is a slog.Handler that forwards records to a running
// tea.Program. Records logged before SetProgram are dropped. Handlers
// derived through WithAttrs and WithGroup share the program pointer.
type LogHandler struct {
	level   slog.Leveler
	program *atomic.Pointer[tea.Program]
	attrs   []string
	prefix  string
}

// NewLogHandler returns a handler for records at or above level.
func NewLogHandler(level slog.Leveler) *LogHandler {
	return &LogHandler{
		level:   level,
		program: &atomic.Pointer[tea.Program]{},
	}
}

// SetProgram starts delivery to program.
func (h *LogHandler) SetProgram(program *tea.Program) {
	h.program.Store(program)
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(_ context.Context, record slog.Record) error {
	program := h.program.Load()
	if program == nil {
		return nil
	}
	msg := logRecordMsg{
		Summary: h.summarize(record),
		Level:   record.Level,
		At:      record.Time,
	}
	// Records can be logged from inside Update through Commander calls,
	// where a synchronous Send would block the event loop on itself.
	go program.Send(msg)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := h.clone()
	for _, attr := range attrs {
		derived.attrs = append(derived.attrs, h.prefix+attr.Key+"="+attr.Value.String())
	}
	return derived
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	derived := h.clone()
	derived.prefix = h.prefix + name + "."
	return derived
}

func (h *LogHandler) clone() *LogHandler {
	return &LogHandler{
		level:   h.level,
		program: h.program,
		attrs:   append([]string(nil), h.attrs...),
		prefix:  h.prefix,
	}
}

// summarize renders "message (key=value, ...)".
func (h *LogHandler) summarize(record slog.Record) string {
	parts := append([]string(nil), h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		parts = append(parts, h.prefix+attr.Key+"="+attr.Value.String())
		return true
	})
	if len(parts) == 0 {
		return record.Message
	}
	return record.Message + " (" + strings.Join(parts, ", ") + ")"
}
