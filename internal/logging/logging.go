// Package logging wires up the global zerolog logger the way
// chronos-tachyon-roxy's lib/mainutil/logging.go does: CLI flags select the
// level and output, and every other package logs through the resulting
// zerolog.Logger rather than the standard log package.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted by --log, per spec.md §6.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelNone  = "none"
)

// Options controls Init, mirroring the flags spec.md §6 defines:
// --log (default info), --colors (default yes), --verbose (default no).
type Options struct {
	Level   string
	Colors  bool
	Verbose bool
}

// Init parses opts, sets zerolog's global level from them, and returns a
// component-scoped console logger at that level for the caller.
func Init(component string, opts Options) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := parseLevel(opts.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if opts.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var w = os.Stderr
	var out zerolog.ConsoleWriter
	if opts.Colors {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	} else {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
	return logger, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "", LevelInfo:
		return zerolog.InfoLevel, nil
	case LevelDebug:
		return zerolog.DebugLevel, nil
	case LevelWarn:
		return zerolog.WarnLevel, nil
	case LevelError:
		return zerolog.ErrorLevel, nil
	case LevelNone:
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}
