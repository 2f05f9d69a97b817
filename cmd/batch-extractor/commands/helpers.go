package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical/batch-extractor/cmd/batch-extractor/ui"
	"github.com/spherical/batch-extractor/internal/config"
	"github.com/spherical/batch-extractor/internal/observability"
)

// ExitError carries a process exit code out of a command that already
// reported its outcome.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// selectionFlags are shared by the commands that build a task queue.
type selectionFlags struct {
	input   string
	output  string
	pattern string
	start   int
	end     int
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "folder containing the PDF documents")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "folder for the Markdown outputs")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "file name pattern (default *.pdf)")
	cmd.Flags().IntVar(&f.start, "start", 0, "index of the first remaining document to process")
	cmd.Flags().IntVar(&f.end, "end", 0, "index after the last remaining document to process (0 = all)")
}

func (f *selectionFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("input") {
		cfg.Input.Folder = f.input
	}
	if cmd.Flags().Changed("output") {
		cfg.Input.OutputFolder = f.output
	}
	if cmd.Flags().Changed("pattern") {
		cfg.Input.Pattern = f.pattern
	}
	if cmd.Flags().Changed("start") {
		cfg.Input.Start = f.start
	}
	if cmd.Flags().Changed("end") {
		cfg.Input.End = f.end
	}
	if cfg.Input.OutputFolder == "" && cfg.Input.Folder != "" {
		cfg.Input.OutputFolder = filepath.Join(cfg.Input.Folder, "markdown")
	}
}

// loadConfig reads the config file and environment and applies the global
// logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	return cfg, nil
}

// newLogger builds the run logger. The returned func closes the log file.
func newLogger(cfg *config.Config) (*observability.Logger, func(), error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	}

	closeFn := func() {}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logCfg.File = f
		closeFn = func() { _ = f.Close() }
	}

	return observability.NewLogger(logCfg), closeFn, nil
}

// interruptContext cancels the returned context on the first SIGINT or
// SIGTERM so in-flight tasks can finish their commit. A second signal exits
// immediately with status 130.
func interruptContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		ui.Newline()
		ui.Warning("Interrupt received: finishing in-flight documents. Press Ctrl+C again to quit now.")
		cancel()

		select {
		case <-sigCh:
			ui.Error("Forced exit; the checkpoint is still valid")
			os.Exit(130)
		case <-done:
		}
	}()

	stop := func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
	return ctx, stop
}
