// Package logging builds the process logger and the per-component loggers
// derived from it.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/leveling/leveling/internal/config"
)

// New returns the base logger: stderr, or a size-rotated file when
// cfg.File is set. The returned closer releases the file.
func New(cfg config.LogConfig) (*log.Logger, io.Closer) {
	if cfg.File == "" {
		return log.New(os.Stderr, "", log.LstdFlags), nopCloser{}
	}
	_ = os.MkdirAll(filepath.Dir(cfg.File), 0o755)
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return log.New(w, "", log.LstdFlags), w
}

// For derives a logger for component sharing base's writer and flags,
// e.g. For(base, "sync") logs with a "[sync] " prefix.
func For(base *log.Logger, component string) *log.Logger {
	if base == nil {
		base = log.New(os.Stderr, "", log.LstdFlags)
	}
	prefix := strings.TrimSpace(base.Prefix())
	if prefix != "" {
		prefix += " "
	}
	return log.New(base.Writer(), prefix+"["+component+"] ", base.Flags())
}

// Discard is a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
