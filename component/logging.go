package component

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// LogPublisher publishes log entries to a messaging subject. *nats.Conn
// satisfies this interface.
type LogPublisher interface {
	Publish(subject string, data []byte) error
}

// logSubjectPrefix scopes mirrored entries; the component name is the
// final token, so consumers subscribe to envgate.logs.> or a single
// component.
const logSubjectPrefix = "envgate.logs."

// LogEntry is the wire shape of one mirrored log record, consumed by
// operational tooling listening on the log subjects.
type LogEntry struct {
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// mirrorHandler is a slog.Handler that forwards every record to the
// wrapped handler and additionally publishes warn-and-above records to
// the component's log subject. Publish failures fall back to local
// logging only; the log path must never take a component down.
type mirrorHandler struct {
	next      slog.Handler
	pub       LogPublisher
	component string
}

// MirrorLogger wraps base so that records at warn level and above are
// also published to "envgate.logs.<component>". With a nil publisher the
// base logger is returned unchanged.
func MirrorLogger(base *slog.Logger, pub LogPublisher, component string) *slog.Logger {
	if pub == nil {
		return base
	}
	return slog.New(&mirrorHandler{next: base.Handler(), pub: pub, component: component})
}

func (h *mirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Mirrored levels must reach Handle even when the local handler
	// filters them out.
	return level >= slog.LevelWarn || h.next.Enabled(ctx, level)
}

func (h *mirrorHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}

	if r.Level < slog.LevelWarn || ctx.Err() != nil {
		return err
	}

	entry := LogEntry{
		Timestamp: r.Time.UTC().Format(time.RFC3339Nano),
		Level:     r.Level.String(),
		Component: h.component,
		Message:   r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "error" {
			entry.Error = fmt.Sprint(a.Value.Any())
			return false
		}
		return true
	})

	data, merr := json.Marshal(entry)
	if merr != nil {
		return err
	}
	// Best effort: a dead broker must not surface as a logging error.
	_ = h.pub.Publish(logSubjectPrefix+h.component, data)
	return err
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mirrorHandler{next: h.next.WithAttrs(attrs), pub: h.pub, component: h.component}
}

func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	return &mirrorHandler{next: h.next.WithGroup(name), pub: h.pub, component: h.component}
}
