package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/batch-extractor/cmd/batch-extractor/ui"
	"github.com/spherical/batch-extractor/internal/checkpoint"
	"github.com/spherical/batch-extractor/internal/orchestrator"
	"github.com/spherical/batch-extractor/internal/queue"
)

var (
	statusSelection selectionFlags
	statusDriver    string
	statusLimit     int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the next run would process",
	Long: `Build the task queue from the input folder and the checkpoint store without
processing anything, and show any saved selection of an interrupted range run.`,
	Example: `  batch-extractor status -i ./pdfs
  batch-extractor status -i ./pdfs --start 100 --end 200`,
	RunE: runStatus,
}

func init() {
	statusSelection.register(statusCmd)
	statusCmd.Flags().StringVar(&statusDriver, "checkpoint", "", "checkpoint driver (file, sqlite, postgres, redis)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "remaining documents to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	statusSelection.apply(cmd, cfg)
	if cmd.Flags().Changed("checkpoint") {
		cfg.Checkpoint.Driver = statusDriver
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ui.InitUI(noColor, verbose)

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	store, err := checkpoint.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	plan, err := orchestrator.New(store, nil, logger).Plan(ctx, orchestrator.Options{
		InputDir:  cfg.Input.Folder,
		OutputDir: cfg.Input.OutputFolder,
		Pattern:   cfg.Input.Pattern,
		Range:     queue.Range{Start: cfg.Input.Start, End: cfg.Input.End},
	})
	if err != nil {
		return err
	}

	ui.Section("Batch Status")
	ui.Table([]string{"Metric", "Value"}, [][]string{
		{"Input", cfg.Input.Folder},
		{"Output", cfg.Input.OutputFolder},
		{"Documents found", fmt.Sprintf("%d", plan.Discovered)},
		{"Completed", fmt.Sprintf("%d", plan.AlreadyCompleted)},
		{"Remaining", fmt.Sprintf("%d", plan.Remaining)},
		{"Selected", fmt.Sprintf("%d", len(plan.Tasks))},
	})

	st, err := checkpoint.LoadRunState(cfg.RecoveryDir())
	if err != nil {
		ui.Warning("Saved run state is unreadable: %v", err)
	} else if st != nil {
		ui.Newline()
		ui.Info("Interrupted range run %s (start %d, end %d, %d documents) started %s",
			st.RunID, st.Start, st.End, st.Selected, st.StartedAt.Local().Format("2006-01-02 15:04:05"))
		ui.Info("The next run without --start/--end resumes that selection")
	}

	if len(plan.Tasks) == 0 {
		ui.Newline()
		ui.Success("Nothing left to process")
		return nil
	}

	ui.Newline()
	n := len(plan.Tasks)
	if statusLimit > 0 && n > statusLimit {
		n = statusLimit
	}
	rows := make([][]string, n)
	for i, t := range plan.Tasks[:n] {
		rows[i] = []string{fmt.Sprintf("%d", t.Index), t.RelPath}
	}
	ui.Table([]string{"#", "Document"}, rows)
	if n < len(plan.Tasks) {
		ui.Info("... and %d more", len(plan.Tasks)-n)
	}
	return nil
}
