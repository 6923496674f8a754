// Package logger provides leveled logging for the fieldreport binaries.
//
// The agent runs unattended on field devices, so the logger can tee into a
// file for later collection in addition to stderr.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the level's wire name.
func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel converts a config string to a Level. Accepts debug, info,
// warn/warning and error, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

type logger struct {
	mu     sync.Mutex
	level  Level
	out    io.Writer
	file   *os.File
}

var std = &logger{level: LevelInfo, out: os.Stderr}

// SetLevel sets the minimum severity that gets written.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// GetLevel returns the current threshold.
func GetLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// SetOutput redirects the primary output, mainly for tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = w
}

// SetLogFile opens a file that receives every written line in addition to the
// primary output, replacing any previously opened file.
func SetLogFile(path string) error {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
		std.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	std.file = f
	return nil
}

// Close closes the log file if one is open.
func Close() {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
		std.file = nil
	}
}

func (l *logger) write(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	line := fmt.Sprintf("%s %s %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		level.String(),
		fmt.Sprintf(format, args...))

	io.WriteString(l.out, line)
	if l.file != nil {
		io.WriteString(l.file, line)
	}
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) { std.write(LevelDebug, format, args...) }

// Info logs at info level.
func Info(format string, args ...interface{}) { std.write(LevelInfo, format, args...) }

// Warn logs at warn level.
func Warn(format string, args ...interface{}) { std.write(LevelWarn, format, args...) }

// Error logs at error level.
func Error(format string, args ...interface{}) { std.write(LevelError, format, args...) }
