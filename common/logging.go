// Package common holds process-wide helpers shared by commands and
// servers: logger setup and build version information.
package common

import (
	"log/slog"
	"os"
)

// PackageName is used as the service tag on metrics and logs when the
// caller does not override it.
const PackageName = "device-trust-manager"

// LoggingOpts configures the process logger.
type LoggingOpts struct {
	// Debug enables debug-level logging.
	Debug bool

	// JSON switches the handler to JSON output, for log collectors.
	JSON bool

	// Service is added as a 'service' attribute to every record.
	Service string

	// Version is added as a 'version' attribute to every record.
	Version string
}

// SetupLogger creates the process logger. All components receive this
// logger (or a child of it) explicitly; there is no package-level
// default.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	var level slog.Level
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
