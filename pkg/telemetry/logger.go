// Package telemetry configures logging, metrics, and tracing for the
// provisioner. All three are controller-side: nothing is installed on the
// target to observe it.
package telemetry

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the log surface.
type LoggerConfig struct {
	// Verbose lowers the level to debug.
	Verbose bool

	// JSON emits structured JSON instead of the human console format.
	JSON bool
}

// NewLogger builds the root logger. Provisioning output is read live by an
// operator at a terminal, so the console format is the default and JSON is
// opt-in for log collection.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}

	if cfg.JSON {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
