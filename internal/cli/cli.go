// Package cli holds the process plumbing shared by the qc-* binaries: flag
// parsing, environment configuration, logging, signal handling and the
// mapping of errors to exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/qcflow"
	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/logging"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitConfiguration = 1 // configuration or fatal module-load failure
	ExitRuntime       = 2 // unrecoverable runtime failure
)

// Flags are the flags every binary accepts.
type Flags struct {
	Name          string
	Configuration string
}

// Process describes one binary.
type Process struct {
	Name           string // binary name, used in usage and logs
	Version        string
	NameRequired   bool
	ConfigOptional bool
	// Flags registers extra flags on fs before parsing.
	Flags func(fs *flag.FlagSet)
	// Options selects the engines to run once the flags are parsed.
	Options func(f Flags) ([]qcflow.Option, error)
}

// ExitCode maps the error returned by a run to an exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrFatalConfiguration), errors.Is(err, qcflow.ErrNothingToRun):
		return ExitConfiguration
	default:
		return ExitRuntime
	}
}

// Main parses args, runs the process until SIGINT/SIGTERM or until its
// engines finish, and returns the exit code.
func Main(p Process, args []string, stderr io.Writer) int {
	var f Flags
	fs := flag.NewFlagSet(p.Name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.Name, "name", "", "task name (key into the configuration)")
	fs.StringVar(&f.Name, "n", "", "shorthand for --name")
	fs.StringVar(&f.Configuration, "configuration", "", `configuration uri, e.g. "file:/path/example.json"`)
	fs.StringVar(&f.Configuration, "c", "", "shorthand for --configuration")
	if p.Flags != nil {
		p.Flags(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitConfiguration
	}
	if p.NameRequired && f.Name == "" {
		_, _ = fmt.Fprintf(stderr, "%s: --name is required\n", p.Name)
		fs.Usage()
		return ExitConfiguration
	}
	if !p.ConfigOptional && f.Configuration == "" {
		_, _ = fmt.Fprintf(stderr, "%s: --configuration is required\n", p.Name)
		fs.Usage()
		return ExitConfiguration
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", p.Name, err)
		return ExitConfiguration
	}

	logger, closer := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompressFile,
	})
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, f, cfg, logger); err != nil {
		code := ExitCode(err)
		logger.Error("fatal error", "error", err, "exit_code", code)
		return code
	}
	return ExitOK
}

func run(ctx context.Context, p Process, f Flags, cfg config.Config, logger *slog.Logger) error {
	opts, err := p.Options(f)
	if err != nil {
		return err
	}
	logger.Info(p.Name+" starting", "version", p.Version, "name", f.Name, "configuration", f.Configuration)

	app, err := qcflow.New(ctx, f.Configuration, append([]qcflow.Option{
		qcflow.WithConfig(cfg),
		qcflow.WithLogger(logger),
		qcflow.WithVersion(p.Version),
	}, opts...)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	if err := app.Run(ctx); err != nil {
		return err
	}
	logger.Info(p.Name + " stopped")
	return nil
}
