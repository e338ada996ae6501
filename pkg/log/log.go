// Package log provides the structured logger shared by every long-running
// component (monitor server, health prober, keeper loop, supervisor). It
// wraps go.uber.org/zap behind the github.com/go-logr/logr interface, the
// same shape observed at the teacher's (cloudnative-pg) call sites:
// contextLogger.Info/Warning/Error/Debug with string-keyed fields.
package log

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level string constants accepted on the --log-level flag and in the
// pg_autoctl.log_level-equivalent runtime knob.
const (
	ErrorLevelString   = "error"
	WarningLevelString = "warning"
	InfoLevelString    = "info"
	DebugLevelString   = "debug"
	TraceLevelString   = "trace"
	DefaultLevelString = InfoLevelString
)

// zapcore levels backing the string constants above. logr only has
// "error" and V-levels, so warning/debug/trace are encoded as negative
// V-levels the same way the teacher's pkg/management/log does.
const (
	ErrorLevel   = zapcore.ErrorLevel
	WarningLevel = zapcore.WarnLevel
	InfoLevel    = zapcore.InfoLevel
	DebugLevel   = zapcore.DebugLevel
	TraceLevel   = zapcore.Level(-2)
	DefaultLevel = InfoLevel
)

// Logger is the interface every component logs through. It purposefully
// widens logr.Logger with a Warning method, matching how the teacher's
// logging package is actually called throughout instance_controller.go.
type Logger struct {
	logr.Logger
}

// Warning logs at the warning level; equivalent to a V(-1) Info call.
func (l Logger) Warning(msg string, keysAndValues ...interface{}) {
	l.Logger.V(-1).Info(msg, keysAndValues...)
}

// Trace logs at the most verbose level.
func (l Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.Logger.V(2).Info(msg, keysAndValues...)
}

// Error logs err alongside msg. Kept for symmetry with logr, but also
// accepts a nil error for "this would be an error but we recovered"
// call sites.
func (l Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error(err, msg, keysAndValues...)
}

// Bug logs a programming error: malformed internal payload, impossible
// state, unexpected result shape. Per spec.md §7, these are tagged with a
// "BUG:" prefix; the caller is expected to exit with code 12.
func (l Logger) Bug(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(nil, "BUG: "+msg, keysAndValues...)
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger
	configured   int32
)

func init() {
	globalLogger = Logger{Logger: zapr.NewLogger(mustBuild(InfoLevel, os.Stderr))}
}

func mustBuild(level zapcore.Level, dest *os.File) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(levelString(l))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(dest),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core, zap.AddCaller())
}

func levelString(l zapcore.Level) string {
	switch l {
	case ErrorLevel:
		return ErrorLevelString
	case WarningLevel:
		return WarningLevelString
	case InfoLevel:
		return InfoLevelString
	case DebugLevel:
		return DebugLevelString
	case TraceLevel:
		return TraceLevelString
	default:
		return DefaultLevelString
	}
}

func levelFromString(s string) zapcore.Level {
	switch s {
	case ErrorLevelString:
		return ErrorLevel
	case WarningLevelString:
		return WarningLevel
	case InfoLevelString:
		return InfoLevel
	case DebugLevelString:
		return DebugLevel
	case TraceLevelString:
		return TraceLevel
	default:
		return DefaultLevel
	}
}

// SetLogger replaces the process-wide default logger. Used by Flags.Configure
// and by tests that want a sink they can inspect.
func SetLogger(l logr.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = Logger{Logger: l}
	atomic.StoreInt32(&configured, 1)
}

// Default returns the process-wide logger.
func Default() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

type ctxKey struct{}

// SetupLogger returns a per-call logger derived from the default logger and
// a context carrying it, mirroring the teacher's
// `contextLogger, ctx := log.SetupLogger(ctx)` idiom used at the top of
// every reconciliation-shaped function (node_active handling, keeper tick,
// health probe).
func SetupLogger(ctx context.Context) (Logger, context.Context) {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l, ctx
	}
	l := Default()
	return l, context.WithValue(ctx, ctxKey{}, l)
}

// FromContext extracts the logger embedded by SetupLogger, falling back to
// the process-wide default if none was ever attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// Flags binds the --log-level/--log-destination flags shared by every
// pg_autoctl subcommand, grounded on the teacher's
// internal/cmd/manager/manager.go Flags type.
type Flags struct {
	Level       string
	Destination string
}

// AddFlags registers the logging flags on a cobra command's flag set. The
// caller passes in a flag-adding function to avoid importing pflag here and
// keep this package dependency-light; cmd/pg_autoctl wires it to
// *pflag.FlagSet.
func (f *Flags) AddFlags(stringVar func(p *string, name string, value string, usage string)) {
	stringVar(&f.Level, "log-level", DefaultLevelString,
		"the desired log level, one of error, warning, info, debug and trace")
	stringVar(&f.Destination, "log-destination", "",
		"file to append log lines to, instead of stderr")
}

// Configure builds the process-wide logger honoring the flags, exactly the
// way ConfigureLogging does in the teacher's manager.go (PersistentPreRun).
func (f *Flags) Configure() error {
	level := levelFromString(f.Level)
	if !isKnownLevel(f.Level) {
		Default().Warning("invalid log level, defaulting", "level", f.Level, "default", DefaultLevelString)
	}

	dest := os.Stderr
	if f.Destination != "" {
		file, err := os.OpenFile(f.Destination, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec
		if err != nil {
			return fmt.Errorf("opening log destination %q: %w", f.Destination, err)
		}
		dest = file
	}

	SetLogger(zapr.NewLogger(mustBuild(level, dest)))
	return nil
}

func isKnownLevel(s string) bool {
	switch s {
	case ErrorLevelString, WarningLevelString, InfoLevelString, DebugLevelString, TraceLevelString:
		return true
	default:
		return false
	}
}
