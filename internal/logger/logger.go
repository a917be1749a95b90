package logger

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level string    // "debug","info","warn","error"
	JSON  bool      // JSON output (containers)
	Color bool      // colorize level prefixes (console)
	Out   io.Writer // default os.Stdout
}

var (
	mu       sync.RWMutex
	zlog     *zap.SugaredLogger
	out      io.Writer = os.Stdout
	colored  bool
	curLevel = zapcore.InfoLevel
	ready    atomic.Bool
)

// Configure sets up the global logger.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	configureLocked(opts)
}

func configureLocked(opts Options) {
	if opts.Out != nil {
		out = opts.Out
	}
	colored = opts.Color && !opts.JSON

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.CallerKey = ""
	encCfg.MessageKey = "msg"

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if colored {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := parseLevel(opts.Level)
	ws := zapcore.AddSync(writerAdapter{out})
	core := zapcore.NewCore(enc, ws, level)

	zlog = zap.New(core).Sugar()
	ready.Store(true)
}

// SetLevel adjusts current level at runtime ("debug","info","warn","error").
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	configureLocked(Options{Level: level, Out: out, Color: colored})
}

// SetOutput replaces the logger writer (use io.Discard in tests).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	configureLocked(Options{Level: curLevel.String(), Out: w, Color: colored})
}

// UseTestMode silences logs during tests.
func UseTestMode() {
	Configure(Options{
		Level: "error",
		Out:   io.Discard,
	})
}

// Out returns the current output writer (for tables).
func Out() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return out
}

func Info(msg string, args ...interface{}) {
	if !ready.Load() {
		return
	}
	mu.RLock()
	zlog.Infof(msg, args...)
	mu.RUnlock()
}

func Warn(msg string, args ...interface{}) {
	if !ready.Load() {
		return
	}
	mu.RLock()
	zlog.Warnf(msg, args...)
	mu.RUnlock()
}

func Error(msg string, args ...interface{}) {
	if !ready.Load() {
		return
	}
	mu.RLock()
	zlog.Errorf(msg, args...)
	mu.RUnlock()
}

func Debug(msg string, args ...interface{}) {
	if !ready.Load() {
		return
	}
	mu.RLock()
	zlog.Debugf(msg, args...)
	mu.RUnlock()
}

// With returns a structured child logger for call sites that carry fields,
// e.g. the event tracker.
func With(kv ...interface{}) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if zlog == nil {
		return zap.NewNop().Sugar()
	}
	return zlog.With(kv...)
}

// Sync flushes buffered entries, called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if zlog != nil {
		_ = zlog.Sync()
	}
}

// ---- Tables ----

func CreateTable(headers []string) *tablewriter.Table {
	mu.RLock()
	defer mu.RUnlock()
	t := tablewriter.NewTable(out)
	t.Header(headers)
	return t
}

// ---- Colors ----

var (
	successColor = color.New(color.FgGreen).SprintFunc()
	warnColor    = color.New(color.FgYellow).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
)

func Green(s string) string  { return successColor(s) }
func Yellow(s string) string { return warnColor(s) }
func Red(s string) string    { return errorColor(s) }

// ---- internals ----

type writerAdapter struct{ w io.Writer }

func (wa writerAdapter) Write(p []byte) (int, error) { return wa.w.Write(p) }

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		curLevel = zapcore.DebugLevel
	case "info", "":
		curLevel = zapcore.InfoLevel
	case "warn", "warning":
		curLevel = zapcore.WarnLevel
	case "error":
		curLevel = zapcore.ErrorLevel
	default:
		curLevel = zapcore.InfoLevel
	}
	return curLevel
}
