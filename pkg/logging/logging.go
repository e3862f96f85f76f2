// Package logging installs the process-wide slog handler. go-ethereum's own
// logger is routed through the same handler.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
)

// ParseLevel accepts trace, debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewHandler returns a handler writing to w. Format "terminal" and "json"
// force a format; "auto" picks the terminal format for a tty.
func NewHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	switch format {
	case "terminal":
		return log.NewTerminalHandlerWithLevel(w, level, useColor(w)), nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case "", "auto":
		if isTerminal(w) {
			return log.NewTerminalHandlerWithLevel(w, level, useColor(w)), nil
		}
		return log.LogfmtHandlerWithLevel(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Setup installs the default logger on stderr.
func Setup(level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	h, err := NewHandler(os.Stderr, lvl, format)
	if err != nil {
		return err
	}
	log.SetDefault(log.NewLogger(h))
	slog.SetDefault(slog.New(h))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func useColor(w io.Writer) bool {
	return isTerminal(w) && os.Getenv("TERM") != "dumb"
}
