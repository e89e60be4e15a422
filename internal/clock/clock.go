// Package clock provides a monotonic time source and rotating event log
// setup shared by every other package in the controller.
package clock

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MatusOllah/slogcolor"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Clock is a narrow, mockable source of monotonic and wall-clock time.
// Production code uses Real; tests substitute their own fake
// implementations to control elapsed time deterministically.
type Clock interface {
	// Now returns a monotonic instant suitable for subtraction (elapsed
	// time, deadlines, throttles). It carries no wall-clock meaning.
	Now() time.Time
	// Wall returns the current wall-clock time, used only where the spec
	// calls for an epoch timestamp (e.g. PairingRecord.PairedAt).
	Wall() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

func (Real) Now() time.Time  { return time.Now() }
func (Real) Wall() time.Time { return time.Now() }

// LogConfig controls rotating-file and console logging setup.
type LogConfig struct {
	Debug      bool
	LogFile    string // empty disables file rotation
	MaxSizeMB  int
	MaxBackups int
}

// DefaultLogConfig mirrors the defaults named in spec.md §6.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		LogFile:    "/var/log/qlab-box/qlab-box.log",
		MaxSizeMB:  5,
		MaxBackups: 5,
	}
}

// SetupLogging installs a colorized console handler plus, when LogFile is
// set, a JSON handler over a rotating file writer. The file is opened
// lazily on first write; if it cannot be opened, records still reach the
// console and the file write error is dropped without being reported.
func SetupLogging(cfg LogConfig) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	copts := slogcolor.DefaultOptions
	copts.Level = level
	consoleHandler := slogcolor.NewHandler(os.Stderr, copts)

	if cfg.LogFile == "" {
		slog.SetDefault(slog.New(consoleHandler))
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    orDefault(cfg.MaxSizeMB, 5),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
	}
	fileHandler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})

	slog.SetDefault(slog.New(fanoutHandler{handlers: []slog.Handler{consoleHandler, fileHandler}}))
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// fanoutHandler duplicates every record across multiple slog.Handlers.
// Used to write to both the console and the rotating log file.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}

var _ io.Writer = (*lumberjack.Logger)(nil)
