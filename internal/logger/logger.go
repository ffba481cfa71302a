// File: internal/logger/logger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Structured logger gated by a runtime-toggleable enable flag.

package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-ipc/control"
)

// Logger wraps zerolog.Logger. All loggers derived with With share the
// enable flag of their root.
type Logger struct {
	zl      zerolog.Logger
	enabled *atomic.Bool
}

// New creates a logger writing to w (stderr when nil).
func New(cfg control.LogConfig, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	zl := zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	l := &Logger{zl: zl, enabled: new(atomic.Bool)}
	l.enabled.Store(cfg.Enabled)
	return l
}

// Nop returns a disabled logger writing nowhere.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), enabled: new(atomic.Bool)}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger annotated with key=value.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger(), enabled: l.enabled}
}

// SetEnabled toggles output of this logger family.
func (l *Logger) SetEnabled(on bool) { l.enabled.Store(on) }

// Enabled reports the current switch state.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// Debug starts a debug event; nil (a no-op event) when disabled.
func (l *Logger) Debug() *zerolog.Event {
	if !l.enabled.Load() {
		return nil
	}
	return l.zl.Debug()
}

// Info starts an info event.
func (l *Logger) Info() *zerolog.Event {
	if !l.enabled.Load() {
		return nil
	}
	return l.zl.Info()
}

// Warn starts a warning event.
func (l *Logger) Warn() *zerolog.Event {
	if !l.enabled.Load() {
		return nil
	}
	return l.zl.Warn()
}

// Error starts an error event.
func (l *Logger) Error() *zerolog.Event {
	if !l.enabled.Load() {
		return nil
	}
	return l.zl.Error()
}
