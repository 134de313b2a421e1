//go:build !hgsmi_debug

package logger

import (
	"log/slog"
	"sync/atomic"
)

var warnLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used for warnings.
// Debug and Info output is compiled out unless built with the hgsmi_debug tag.
func SetLogger(l *slog.Logger) {
	warnLogger.Store(l)
}

// Debug is a no-op in release mode.
// The compiler will inline and remove calls to this function.
func Debug(msg string, args ...any) {}

// Info is a no-op in release mode.
func Info(msg string, args ...any) {}

// Warn logs a protocol violation or dropped message.
// Unlike Debug and Info it stays live in release builds.
func Warn(msg string, args ...any) {
	if l := warnLogger.Load(); l != nil {
		l.Warn(msg, args...)
		return
	}
	slog.Warn(msg, args...)
}
