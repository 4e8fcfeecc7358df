package kfmt

import "gophernel/kernel"

// Level identifies the severity of a log line written through Trace,
// Debug, Info, Warning, Error or Fatal. Levels are ordered least to most
// severe so a threshold set with SetLevel filters out everything below
// it.
type Level uint8

// nolint
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var levelNames = [...]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARN",
	LevelError:   "ERROR",
	LevelFatal:   "FATAL",
}

// String returns the level's short uppercase name, or "?" for an out of
// range value.
func (l Level) String() string {
	if int(l) >= len(levelNames) {
		return "?"
	}
	return levelNames[l]
}

// minLevel is the current logging threshold; lines below it are
// discarded before formatting. Defaults to LevelTrace so nothing is
// dropped until a caller opts in to filtering.
var minLevel = LevelTrace

// SetLevel changes the minimum level that Trace/Debug/Info/Warning/Error
// emit at. Fatal always logs and panics regardless of the threshold.
func SetLevel(l Level) {
	minLevel = l
}

// logf writes a "[LEVEL] "-prefixed line through Printf if l meets the
// current threshold.
func logf(l Level, format string, args ...interface{}) {
	if l < minLevel {
		return
	}
	Printf("[%s] ", l.String())
	Printf(format, args...)
}

// Trace logs at the lowest severity; intended for step-by-step detail
// that is normally filtered out.
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, format, args...)
}

// Debug logs information useful while diagnosing a specific problem.
func Debug(format string, args ...interface{}) {
	logf(LevelDebug, format, args...)
}

// Info logs routine, expected events.
func Info(format string, args ...interface{}) {
	logf(LevelInfo, format, args...)
}

// Warning logs a condition that is recoverable but noteworthy.
func Warning(format string, args ...interface{}) {
	logf(LevelWarning, format, args...)
}

// Error logs a failure that the caller is handling but that should be
// visible to whoever is watching the console.
func Error(format string, args ...interface{}) {
	logf(LevelError, format, args...)
}

var errFatalLog = &kernel.Error{Module: "log", Message: "fatal condition logged"}

// Fatal logs an unrecoverable failure and halts the CPU via Panic. It
// never returns.
func Fatal(format string, args ...interface{}) {
	Printf("[%s] ", LevelFatal.String())
	Printf(format, args...)
	Printf("\n")
	Panic(errFatalLog)
}
