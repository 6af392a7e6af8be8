// Package logging builds the process-wide structured logger with file
// rotation.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a JSON slog logger writing to stdout and a rotated file under
// dir. If the directory cannot be created the logger falls back to stderr.
func New(level, dir string) *slog.Logger {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	fileWriter := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "pivotbot.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	writer := io.MultiWriter(os.Stdout, fileWriter)
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewJSONHandler(writer, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
