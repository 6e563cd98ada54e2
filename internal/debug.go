package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a logging level below [slog.LevelDebug] used for
// per-segment wire tracing.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l would emit records at lvl. A nil logger
// emits nothing.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs logs msg with attrs to l. Safe to call with a nil logger.
func LogAttrs(l *slog.Logger, lvl slog.Level, msg string, attrs ...slog.Attr) {
	if !LogEnabled(l, lvl) {
		return
	}
	l.LogAttrs(context.Background(), lvl, msg, attrs...)
}
