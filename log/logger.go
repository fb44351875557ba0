package log

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

type levelName struct {
	short   string // lower case, JSON output
	aligned string // padded to five columns, terminal output
}

var levelNames = map[slog.Level]levelName{
	LevelTrace: {"trace", "TRACE"},
	LevelDebug: {"debug", "DEBUG"},
	LevelInfo:  {"info", "INFO "},
	LevelWarn:  {"warn", "WARN "},
	LevelError: {"error", "ERROR"},
	LevelCrit:  {"crit", "CRIT "},
}

func LevelString(l slog.Level) string {
	if n, ok := levelNames[l]; ok {
		return n.short
	}
	return "unknown"
}

// LevelAlignedString is LevelString padded for column output.
func LevelAlignedString(l slog.Level) string {
	if n, ok := levelNames[l]; ok {
		return n.aligned
	}
	return "?????"
}

// Logger writes module-tagged records to a slog.Handler. Module filtering
// happens in the package-level functions, not here.
type Logger interface {
	With(ctx ...interface{}) Logger
	Write(level slog.Level, module string, msg string, attrs ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler {
	return l.inner.Handler()
}

// Write attaches module as the "module" attribute and records the caller
// of the package-level function, two frames up.
func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	ctx := context.Background()
	if !l.inner.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.AddAttrs(slog.String("module", module))
	}
	r.Add(attrs...)
	_ = l.inner.Handler().Handle(ctx, r)
}

func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{l.inner.With(ctx...)}
}

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}
