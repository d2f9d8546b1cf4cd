// Package common holds shared plumbing for the synaboot binaries: logger
// construction and build version information.
package common

import (
	"log/slog"
	"os"
)

// Version is the build version, overridden at link time.
var Version = "dev"

// LoggingOpts configures the process logger.
type LoggingOpts struct {
	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the handler from human-readable text to JSON lines.
	JSON bool

	// Debug lowers the level to slog.LevelDebug.
	Debug bool

	// Version is attached to every record when non-empty.
	Version string
}

// SetupLogger builds the process logger on stderr according to opts.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
