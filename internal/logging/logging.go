package logging

import (
	"log"
	"strings"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	// Level is the minimum level that is written.
	Level = LevelInfo
	// DebugLogs mirrors Level == LevelDebug for call sites that guard
	// expensive debug formatting.
	DebugLogs bool
)

// ParseLevel maps a level name to a LogLevel. Unknown names mean info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func SetLevel(l LogLevel) {
	Level = l
	DebugLogs = l == LevelDebug
}

func logf(l LogLevel, prefix, format string, args ...any) {
	if l < Level {
		return
	}
	log.Printf(prefix+format, args...)
}

func Debugf(format string, args ...any) {
	logf(LevelDebug, "[DEBUG] ", format, args...)
}

func Infof(format string, args ...any) {
	logf(LevelInfo, "[INFO] ", format, args...)
}

func Warnf(format string, args ...any) {
	logf(LevelWarn, "[WARN] ", format, args...)
}

func Errorf(format string, args ...any) {
	logf(LevelError, "[ERROR] ", format, args...)
}
