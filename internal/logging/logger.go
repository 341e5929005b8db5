package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"seelevel/internal/config"
)

// New builds the process logger. Text output goes through tint, uncolored when
// written to a file. The returned closer releases the log file, if any.
func New(cfg config.Log, version string, appName string) (*slog.Logger, func() error, error) {
	level, err := config.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		w       io.Writer = os.Stderr
		closer            = func() error { return nil }
		noColor           = false
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closer = f.Close
		noColor = true
	}

	return newLogger(w, cfg.Format, level, noColor).With("app", appName, "version", version), closer, nil
}

func newLogger(w io.Writer, format string, level slog.Level, noColor bool) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	}))
}
