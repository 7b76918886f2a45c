package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duecall/duecall/internal/config"
	"github.com/duecall/duecall/internal/server"
)

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// serveLogger bundles everything runServe needs from the logging setup:
// the logger itself, the stderr level for runtime adjustment, the ring
// buffer backing /api/logs, the log file path, and a closer.
type serveLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	buffer *server.LogBuffer
	path   string
	close  func()
}

// newServeLogger builds the serve logging stack: stderr at the configured
// level, a JSON file at DEBUG (logging.file when set, otherwise a daily
// file under ~/.duecall/logs), and a ring buffer that captures recent
// records for the /api/logs endpoint.
func newServeLogger(level, file string) serveLogger {
	var lvlVar slog.LevelVar
	lvlVar.Set(parseSlogLevel(level))

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &lvlVar})

	var inner slog.Handler = stderrHandler
	closeFn := func() {}

	logPath := config.ExpandPath(file)
	if logPath == "" {
		logPath = logFilePath()
	}
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
			inner = &multiHandler{handlers: []slog.Handler{stderrHandler, fileHandler}}
			closeFn = func() { f.Close() }
			if file == "" {
				go cleanOldLogs()
			}
		} else {
			logPath = ""
		}
	}

	buffer := server.NewLogBuffer(inner, 0)
	return serveLogger{
		logger: slog.New(buffer),
		level:  &lvlVar,
		buffer: buffer,
		path:   logPath,
		close:  closeFn,
	}
}

func parseSlogLevel(level string) slog.Level {
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

// logFilePath returns the path to today's log file
// (~/.duecall/logs/duecall-YYYYMMDD.log). It creates the logs directory
// if needed. Returns "" on any error.
func logFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".duecall", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("duecall-%s.log", time.Now().Format("20060102")))
}

// cleanOldLogs removes log files older than 7 days.
func cleanOldLogs() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	dir := filepath.Join(home, ".duecall", "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -7)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
