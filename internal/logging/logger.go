// Package logging builds the go-kit logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-kit/log/term"
)

// Format selects the line encoding.
type Format string

const (
	FormatLogfmt Format = "logfmt"
	FormatJSON   Format = "json"
)

// Options configure New.
type Options struct {
	// Level is one of none, error, warn, info, debug. Empty means info.
	Level string
	// Format is logfmt or json. Empty means logfmt.
	Format Format
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Color enables level coloring for terminal output.
	Color bool
}

// Keys shared across components.
const (
	KeyComponent = "component"
	KeyRunID     = "run_id"
)

// New builds a leveled, timestamped logger.
func New(opts Options) (log.Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var newLogger func(io.Writer) log.Logger
	switch opts.Format {
	case "", FormatLogfmt:
		newLogger = log.NewLogfmtLogger
	case FormatJSON:
		newLogger = log.NewJSONLogger
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	filter, err := levelOption(opts.Level)
	if err != nil {
		return nil, err
	}

	var logger log.Logger
	if opts.Color {
		logger = term.NewLogger(w, newLogger, colorFn)
	} else {
		logger = newLogger(log.NewSyncWriter(w))
	}

	logger = level.NewFilter(logger, filter)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	return logger, nil
}

// Nop returns a logger that discards everything.
func Nop() log.Logger {
	return log.NewNopLogger()
}

// With tags a logger with its component name.
func With(logger log.Logger, component string) log.Logger {
	if logger == nil {
		logger = Nop()
	}
	return log.With(logger, KeyComponent, component)
}

func levelOption(name string) (level.Option, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return level.AllowNone(), nil
	case "error":
		return level.AllowError(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "debug":
		return level.AllowDebug(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}
}

func colorFn(keyvals ...interface{}) term.FgBgColor {
	for i := 0; i < len(keyvals)-1; i += 2 {
		if keyvals[i] != level.Key() {
			continue
		}

		switch keyvals[i+1] {
		case level.DebugValue():
			return term.FgBgColor{Fg: term.DarkBlue}
		case level.WarnValue():
			return term.FgBgColor{Fg: term.Yellow}
		case level.ErrorValue():
			return term.FgBgColor{Fg: term.Red}
		default:
			return term.FgBgColor{}
		}
	}

	return term.FgBgColor{}
}
