// Package logging builds the slog loggers used by nicctl. Each
// component tags its logger with a "component" attribute and a log
// spec such as "warn,transport=debug" sets levels per component.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level extends slog's levels with trace. Debug through error have
// slog's values.
type Level int

const (
	// LevelTrace logs every command and event.
	LevelTrace Level = -8
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

// ParseLevel accepts trace, debug, info, warn or error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// ToSlog converts l to a slog.Level.
func (l Level) ToSlog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", l)
	}
}

// replaceLevel prints LevelTrace as TRACE rather than DEBUG-4.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace.ToSlog() {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
