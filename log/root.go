package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	Notes       = "notes"       // Note Store
	Mirror      = "mirror"      // Merkle and nullifier mirrors
	Planner     = "planner"     // Spend planning
	Consolidate = "consolidate" // Consolidation rounds
	Executor    = "executor"    // Staged pipeline
	Relayer     = "relayer"     // Relay endpoints and health checks
	Prover      = "prover"      // Proof requests
	Ledger      = "ledger"      // Ledger client and simulator
	Node        = "node"        // CLI / process lifecycle
)

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "max", "maxverbosity":
		return levelMaxVerbosity, nil
	case "warning":
		return LevelWarn, nil
	case "critical":
		return LevelCrit, nil
	}
	for l, name := range levelNames {
		if name.short == strings.ToLower(strings.TrimSpace(lvl)) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// InitLogger installs a terminal handler on stderr. It exits on a bad
// level since it runs before anything else could report the error.
func InitLogger(logLevel string) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, logLvl)))
}

// InitJSONLogger installs a JSON handler on w, used when output is collected
// by a log shipper rather than read on a terminal.
func InitJSONLogger(w io.Writer, logLevel string) error {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(NewLogger(JSONHandlerWithLevel(w, logLvl)))
	return nil
}

// SetDefault also routes the standard slog default through l, so library
// code logging via slog lands in the same place.
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return root.Load().(Logger)
}

// Debug and trace output is opt-in per module.
var (
	moduleMu sync.RWMutex
	debugOn  = map[string]bool{}
	known    = []string{Notes, Mirror, Planner, Consolidate, Executor, Relayer, Prover, Ledger, Node}
)

// Modules lists the module names accepted by EnableModules.
func Modules() []string {
	return slices.Clone(known)
}

func EnableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	debugOn[module] = true
}

func DisableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	delete(debugOn, module)
}

// EnableModules takes a comma separated list; "all" enables every module.
// Unknown names are reported and skipped.
func EnableModules(modules string) {
	for _, m := range strings.Split(modules, ",") {
		m = strings.TrimSpace(m)
		switch {
		case m == "":
		case m == "all":
			for _, k := range known {
				EnableModule(k)
			}
		case slices.Contains(known, m):
			EnableModule(m)
		default:
			Warn(Node, "Unknown log module", "module", m, "known", strings.Join(known, ","))
		}
	}
}

func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return debugOn[module]
}

func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelDebug, module, msg, ctx...)
}

// Info and above are never filtered by module.
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelError, module, msg, ctx...)
}
