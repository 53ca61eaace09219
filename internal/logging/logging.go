// Package logging configures the process-wide slog logger: a text handler
// writing to the configured log file, mirrored to stdout in verbose mode.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	logFile *os.File
	logPath string
)

// ParseLevel maps a config log level to a slog level. "fatal" logs at error
// level; the fatal semantics (exit non-zero) live at the call sites that
// abort startup.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error", "fatal":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// Init opens path for appending (creating parent directories) and installs
// a text handler at the given level as the slog default. When verbose is
// true, or when no log file is configured, output also goes to stdout.
func Init(path string, level slog.Level, verbose bool) error {
	mu.Lock()
	defer mu.Unlock()

	var sinks []io.Writer
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		logPath = path
		sinks = append(sinks, f)
	}
	if verbose || path == "" {
		sinks = append(sinks, os.Stdout)
	}

	handler := slog.NewTextHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// ReadTail returns the last n lines of the active log file. Used by the
// status surface to expose recent log output.
func ReadTail(n int) (string, error) {
	mu.Lock()
	path := logPath
	mu.Unlock()
	if path == "" {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
