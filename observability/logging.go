package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logLevel = zerolog.InfoLevel

// SetLevel sets the level used by loggers created afterwards.
func SetLevel(level string) {
	logLevel = parseLogLevel(level)
}

// NewLogger creates a structured JSON logger tagged with its component.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component)
}

func newLogger(w io.Writer, component string) zerolog.Logger {
	return zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
