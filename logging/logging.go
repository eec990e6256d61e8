// Package logging builds the process logger. One logger is created at start-up and handed
// to every component through its options; nothing logs through the logrus globals.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Level  string // logrus level name, "info" when empty
	Format string // "text" (default) or "json"
	File   string // optional file that receives every entry in addition to Output
	Caller bool
	Output io.Writer
}

// New returns a configured logger. An unknown level is an error.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()
	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	formatter := newFormatter(cfg.Format, false)
	if formatter == nil {
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	logger.SetFormatter(formatter)
	logger.SetReportCaller(cfg.Caller)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		logger.AddHook(&FileHook{file: f, formatter: newFormatter(cfg.Format, true)})
	}
	return logger, nil
}

func newFormatter(format string, noColor bool) logrus.Formatter {
	switch format {
	case "", "text":
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
			DisableColors:   noColor,
			CallerPrettyfier: func(frame *runtime.Frame) (string, string) {
				return frame.Function, ""
			},
		}
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return nil
}

// Discard returns a logger that drops everything. Components use it when none is injected.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// FileHook mirrors every entry into a file.
type FileHook struct {
	mu        sync.Mutex
	file      *os.File
	formatter logrus.Formatter
}

func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *FileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}

func (h *FileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
