package log

import (
	"context"
	"io"
	"log/slog"
)

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// replaceLevel renders the custom trace/crit levels with readable names and
// shortens timestamps for terminal output.
func replaceLevel(terminal bool) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				if terminal {
					return slog.String(slog.LevelKey, LevelAlignedString(lvl))
				}
				return slog.String(slog.LevelKey, LevelString(lvl))
			}
		case slog.TimeKey:
			if terminal && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("01-02|15:04:05.000"))
			}
		}
		return a
	}
}

// NewTerminalHandlerWithLevel returns a human readable handler writing to wr
// that drops records below lvl.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewTextHandler(wr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel(true),
	})
}

// JSONHandlerWithLevel returns a handler emitting one JSON object per record.
func JSONHandlerWithLevel(wr io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(wr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel(false),
	})
}
