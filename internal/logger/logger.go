package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	format = FORMAT_TEXT
	silent = true
)

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"
)

const (
	FORMAT_TEXT = "text"
	FORMAT_JSON = "json"
)

func init() {
	// Default to silent mode (no output)
	SetSilentMode(true)
}

// SetSilentMode configures whether logging should be silent or output to stderr
func SetSilentMode(s bool) {
	silent = s
	rebuild(os.Stderr)

	// Set default level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetFormat switches between console ("text") and JSON line output.
// Unknown formats fall back to text.
func SetFormat(f string) {
	if f == FORMAT_JSON {
		format = FORMAT_JSON
	} else {
		format = FORMAT_TEXT
	}
	rebuild(os.Stderr)
}

// SetOutput redirects log output, mainly for tests that assert on log lines.
func SetOutput(w io.Writer) {
	silent = false
	rebuild(w)
}

func rebuild(w io.Writer) {
	var output io.Writer
	switch {
	case silent:
		output = io.Discard
	case format == FORMAT_JSON:
		output = w
	default:
		// Setup console writer for CLI-friendly output
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	logger = zerolog.New(output).With().Timestamp().Logger()
}

// New returns a new logger instance
func New() zerolog.Logger {
	return logger
}

// Component returns a logger tagged with the component name
func Component(name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// SetLevel sets the global log level
func SetLevel(level string) {
	switch level {
	case LOG_DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LOG_INFO:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case LOG_WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LOG_ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Info logs an info message
func Info(msg string) {
	logger.Info().Msg(msg)
}

// Debug logs a debug message
func Debug(msg string) {
	logger.Debug().Msg(msg)
}

// Error logs an error message
func Error(err error, msg string) {
	logger.Error().Err(err).Msg(msg)
}

// Warn logs a warning message
func Warn(msg string) {
	logger.Warn().Msg(msg)
}
