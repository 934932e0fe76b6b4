package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls global logger setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // "console" or "json"
	Output io.Writer
}

// Init configures the global zerolog logger. Unknown levels fall back to info.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var logger zerolog.Logger
	if strings.EqualFold(opts.Format, "json") {
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).With().Timestamp().Caller().Logger()
	}
	log.Logger = logger.Level(ParseLevel(opts.Level))
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

// With returns a child logger context of the global logger.
func With() zerolog.Context {
	return log.With()
}
