package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// LogFileName is the name of the rotating log file inside Options.Dir.
	LogFileName = "kb-sync.log"

	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

	logFileMaxSizeMB  = 10
	logFileMaxBackups = 5
)

// Options tunes the logger beyond the environment default.
type Options struct {
	// Level overrides the environment's default level. Accepts the slog
	// level names (DEBUG, INFO, WARN, ERROR) in any case.
	Level string

	// Dir, when set, also writes logs to a rotating file in this directory.
	Dir string

	// Output replaces stdout as the console destination.
	Output io.Writer
}

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text,
// colored when writing to a terminal.
func NewLogger(env string) *slog.Logger {
	logger, _ := New(env, Options{})
	return logger
}

// New creates a logger for env with opts applied. The returned closer
// releases the log file and must be called on shutdown.
func New(env string, opts Options) (*slog.Logger, io.Closer) {
	handlerOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		handlerOpts.Level = slog.LevelDebug
	}

	if level, ok := parseLevel(opts.Level); ok {
		handlerOpts.Level = level
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if opts.Output != nil {
		out = opts.Output
	}

	if opts.Dir != "" {
		file := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, LogFileName),
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
		}

		out = io.MultiWriter(out, file)
		closer = file
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = tint.NewHandler(out, &tint.Options{
			Level:      handlerOpts.Level,
			TimeFormat: consoleTimeFormat,
			NoColor:    !isTerminal(out),
		})
	}

	return slog.New(handler), closer
}

// parseLevel maps a level name to a slog level. Unknown names are
// ignored so a typo falls back to the environment default.
func parseLevel(name string) (slog.Level, bool) {
	if name == "" {
		return 0, false
	}

	// "WARNING" is accepted alongside slog's "WARN".
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn, true
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, false
	}

	return level, true
}

// isTerminal reports whether w is a terminal. Anything else, including
// a writer that tees into the log file, gets plain output.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
