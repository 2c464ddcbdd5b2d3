// Package logger builds the core's structured logger: a fanout handler
// combining a JSON file sink, a colorized console sink, and an
// event-bus sink (replacing the teacher's direct Wails runtime.EventsEmit
// call, since the frontend is out of scope for this core).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tachyon-core/internal/events"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message)
	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *ConsoleHandler) WithGroup(name string) slog.Handler      { return h }

// EventHandler republishes log records onto the core's event bus
// rather than a Wails runtime context.
type EventHandler struct {
	bus *events.Bus
}

func NewEventHandler(bus *events.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

func (h *EventHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *EventHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.bus == nil {
		return nil
	}
	data := make(map[string]interface{})
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	h.bus.Publish(events.Event{
		Name: "log-entry",
		Payload: map[string]interface{}{
			"level":   r.Level.String(),
			"message": r.Message,
			"time":    r.Time.Format(time.RFC3339),
			"data":    data,
		},
	})
	return nil
}

func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *EventHandler) WithGroup(name string) slog.Handler      { return h }

// New builds the combined JSON-file + console + event-bus logger.
func New(consoleOutput io.Writer, bus *events.Bus, dataDir string) (*slog.Logger, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	handler := &FanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(f, nil),
		NewConsoleHandler(consoleOutput),
		NewEventHandler(bus),
	}}
	return slog.New(handler), nil
}

// FanoutHandler dispatches every record to each of its sub-handlers.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: next}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: next}
}
