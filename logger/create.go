// Package logger builds the zerolog loggers used across the server and agent.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	consoleTimeFormat = time.RFC3339

	defaultFileMaxSizeMB = 100
	defaultFileBackups   = 3
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// Options configures logger creation.
type Options struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// File enables rotated file output when non-empty.
	File string
	// Disable ANSI colors on the console writer.
	NoColor bool
}

// Create builds a logger writing to the terminal and, optionally, a
// rotated log file. Setup failures fall back to a plain stderr logger
// rather than aborting the process.
func Create(opts Options) *zerolog.Logger {
	level, err := zerolog.ParseLevel(levelOrDefault(opts.Level))
	if err != nil {
		return fallbackLogger(err)
	}

	writers := []io.Writer{consoleWriter(opts.NoColor)}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultFileMaxSizeMB,
			MaxBackups: defaultFileBackups,
		})
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().Level(level)
	return &log
}

func levelOrDefault(level string) string {
	if level == "" {
		return zerolog.LevelInfoValue
	}
	return level
}

func consoleWriter(noColor bool) io.Writer {
	out := io.Writer(os.Stderr)
	color := !noColor && term.IsTerminal(int(os.Stderr.Fd()))
	if color {
		out = colorable.NewColorable(os.Stderr)
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    !color,
		TimeFormat: consoleTimeFormat,
	}
}

func fallbackLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	fallbacklog.Error().Msgf("Falling back to a default logger due to logger setup failure: %s", err)
	return &failLog
}
