// File: internal/observability/logger.go
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/xkilldash9x/courier-cli/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// timeLayout is shared by the console and file encoders.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	current  atomic.Pointer[zap.Logger]
	initOnce sync.Once
)

const (
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorWhite   = "\x1b[37m"
	colorReset   = "\x1b[0m"
)

// ansi maps a configured colour name to its escape sequence. Unknown names
// render the level uncoloured.
func ansi(name string) string {
	switch strings.ToLower(name) {
	case "red":
		return colorRed
	case "green":
		return colorGreen
	case "yellow":
		return colorYellow
	case "blue":
		return colorBlue
	case "magenta":
		return colorMagenta
	case "cyan":
		return colorCyan
	case "white":
		return colorWhite
	}
	return ""
}

// Initialize builds the process logger once: a console core on consoleWriter
// and, when cfg.LogFile is set, a JSON core on a rotated file. Later calls
// are no-ops until ResetForTest.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger := build(cfg, consoleWriter)
		current.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger writes console output to a locked stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest forgets the process logger so the next Initialize runs again.
func ResetForTest() {
	current.Store(nil)
	initOnce = sync.Once{}
}

func build(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	var console zapcore.Encoder
	if cfg.Format == "console" {
		console = consoleEncoder(cfg.Colors)
	} else {
		console = jsonEncoder()
	}
	cores := []zapcore.Core{zapcore.NewCore(console, consoleWriter, level)}
	if cfg.LogFile != "" {
		cores = append(cores, zapcore.NewCore(jsonEncoder(), rotatingFile(cfg), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Named(cfg.ServiceName)
}

// rotatingFile is safe for concurrent writes; lumberjack serialises them.
func rotatingFile(cfg config.LoggerConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// consoleEncoder renders one line per entry, levels coloured per colors and
// logger names suffixed with a dot ("courier-cli.session.").
func consoleEncoder(colors config.ColorConfig) zapcore.Encoder {
	palette := map[zapcore.Level]string{
		zapcore.DebugLevel:  ansi(colors.Debug),
		zapcore.InfoLevel:   ansi(colors.Info),
		zapcore.WarnLevel:   ansi(colors.Warn),
		zapcore.ErrorLevel:  ansi(colors.Error),
		zapcore.DPanicLevel: ansi(colors.DPanic),
		zapcore.PanicLevel:  ansi(colors.Panic),
		zapcore.FatalLevel:  ansi(colors.Fatal),
	}

	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := l.CapitalString()
		if c := palette[l]; c != "" {
			label = c + label + colorReset
		}
		enc.AppendString(label)
	}
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the process logger. Before Initialize it hands out a
// development logger that is not remembered.
func GetLogger() *zap.Logger {
	if logger := current.Load(); logger != nil {
		return logger
	}
	fallback, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	fallback = fallback.Named("fallback")
	fallback.Warn("Logger used before initialization.")
	return fallback
}

// Sync flushes buffered entries. Terminals and pipes that cannot be synced
// are ignored.
func Sync() {
	logger := current.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil || unsyncable(err) {
		return
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}

func unsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY) ||
		errors.Is(err, syscall.ENOTSUP) ||
		strings.Contains(err.Error(), "sync /dev/stdout")
}
