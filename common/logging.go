package common

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// LoggingOpts selects the handler and the static attributes attached to every record.
type LoggingOpts struct {
	Debug bool
	JSON  bool
	// Tint enables the colored console handler. Ignored when JSON is set.
	Tint    bool
	Service string
	Version string

	// Output defaults to os.Stdout.
	Output io.Writer
}

func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	switch {
	case opts.JSON:
		log = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel}))
	case opts.Tint:
		log = slog.New(tint.NewHandler(out, &tint.Options{Level: logLevel}))
	default:
		log = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
