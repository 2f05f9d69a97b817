package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical/batch-extractor/cmd/batch-extractor/ui"
	"github.com/spherical/batch-extractor/internal/checkpoint"
	"github.com/spherical/batch-extractor/internal/config"
	"github.com/spherical/batch-extractor/internal/credential"
	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/llm"
	"github.com/spherical/batch-extractor/internal/observability"
	"github.com/spherical/batch-extractor/internal/orchestrator"
	"github.com/spherical/batch-extractor/internal/output"
	"github.com/spherical/batch-extractor/internal/pdf"
	"github.com/spherical/batch-extractor/internal/progress"
	"github.com/spherical/batch-extractor/internal/queue"
	"github.com/spherical/batch-extractor/internal/recognize"
	"github.com/spherical/batch-extractor/internal/worker"
)

var (
	runSelection selectionFlags

	runAPIKeys     []string
	runKeyFile     string
	runNoResume    bool
	runNoAdopt     bool
	runConcurrency int
	runRetryLimit  int
	runBackoffBase time.Duration
	runBackoffCap  time.Duration
	runSwitches    int
	runInterval    time.Duration
	runPerMinute   int
	runPerDay      int
	runExclusive   bool
	runProvider    string
	runModel       string
	runProxy       string
	runTimeout     time.Duration
	runPageDelay   time.Duration
	runDriver      string
	runDSN         string
	runStatusAddr  string
	runRedisPub    bool
	runNoProgress  bool
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"extract"},
	Short:   "Extract every remaining document in the input folder",
	Long: `Extract every PDF in the input folder that has no checkpoint yet. Finished
documents are checkpointed one by one; an interrupted run (Ctrl+C, crash or
kill) is resumed by running the same command again.

Exit status is 0 when every selected document completed, 1 when any failed
and 130 when the run was interrupted.`,
	Example: `  batch-extractor run -i ./pdfs -o ./markdown --key-file keys.txt
  batch-extractor run -i ./pdfs -o ./markdown --start 100 --end 200 -j 4`,
	RunE: runRun,
}

func init() {
	runSelection.register(runCmd)

	f := runCmd.Flags()
	f.StringArrayVarP(&runAPIKeys, "api-key", "k", nil, "API key (repeatable)")
	f.StringVar(&runKeyFile, "key-file", "", "file with one API key per line")
	f.BoolVar(&runNoResume, "no-resume", false, "ignore the saved selection of an interrupted range run")
	f.BoolVar(&runNoAdopt, "no-adopt", false, "do not checkpoint outputs that already exist")
	f.IntVarP(&runConcurrency, "concurrency", "j", 0, "documents processed in parallel")
	f.IntVar(&runRetryLimit, "retry-limit", 0, "attempts for transient failures")
	f.DurationVar(&runBackoffBase, "backoff-base", 0, "first retry delay")
	f.DurationVar(&runBackoffCap, "backoff-cap", 0, "maximum retry delay")
	f.IntVar(&runSwitches, "max-switches", 0, "credential switches per document before it fails (0 = twice the key count)")
	f.DurationVar(&runInterval, "progress-interval", 0, "interval between progress snapshots")
	f.IntVar(&runPerMinute, "per-minute", 0, "requests per key per rate window")
	f.IntVar(&runPerDay, "per-day", 0, "requests per key per day")
	f.BoolVar(&runExclusive, "exclusive-keys", false, "at most one request in flight per key")
	f.StringVar(&runProvider, "provider", "", "vision provider (gemini or openrouter)")
	f.StringVar(&runModel, "model", "", "vision model name")
	f.StringVar(&runProxy, "proxy", "", "HTTP proxy for provider calls")
	f.DurationVar(&runTimeout, "timeout", 0, "timeout for one page recognition")
	f.DurationVar(&runPageDelay, "page-delay", 0, "pause between pages of a document")
	f.StringVar(&runDriver, "checkpoint", "", "checkpoint driver (file, sqlite, postgres, redis)")
	f.StringVar(&runDSN, "checkpoint-dsn", "", "postgres DSN for the postgres driver")
	f.StringVar(&runStatusAddr, "status-addr", "", "serve GET /status on this address (e.g. :8080)")
	f.BoolVar(&runRedisPub, "redis-progress", false, "publish progress on the Redis channel <prefix>progress")
	f.BoolVar(&runNoProgress, "no-progress", false, "disable the progress bar")

	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	runSelection.apply(cmd, cfg)

	flags := cmd.Flags()
	if flags.Changed("api-key") {
		cfg.Credentials.Keys = append(cfg.Credentials.Keys, runAPIKeys...)
	}
	if flags.Changed("key-file") {
		cfg.Credentials.KeyFile = runKeyFile
	}
	if runNoResume {
		cfg.Input.Resume = false
	}
	if runNoAdopt {
		cfg.Input.Adopt = false
	}
	if flags.Changed("concurrency") {
		cfg.Worker.Concurrency = runConcurrency
	}
	if flags.Changed("retry-limit") {
		cfg.Worker.RetryLimit = runRetryLimit
	}
	if flags.Changed("backoff-base") {
		cfg.Worker.BackoffBase = runBackoffBase
	}
	if flags.Changed("backoff-cap") {
		cfg.Worker.BackoffCap = runBackoffCap
	}
	if flags.Changed("max-switches") {
		cfg.Worker.MaxCredentialSwitches = runSwitches
	}
	if flags.Changed("progress-interval") {
		cfg.Progress.Interval = runInterval
	}
	if flags.Changed("per-minute") {
		cfg.Credentials.PerMinute = runPerMinute
	}
	if flags.Changed("per-day") {
		cfg.Credentials.PerDay = runPerDay
	}
	if runExclusive {
		cfg.Credentials.Exclusive = true
	}
	if flags.Changed("provider") {
		cfg.Recognizer.Provider = runProvider
	}
	if flags.Changed("model") {
		cfg.Recognizer.Model = runModel
	}
	if flags.Changed("proxy") {
		cfg.Recognizer.Proxy = runProxy
	}
	if flags.Changed("timeout") {
		cfg.Recognizer.Timeout = runTimeout
	}
	if flags.Changed("page-delay") {
		cfg.Recognizer.PageDelay = runPageDelay
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Driver = runDriver
	}
	if flags.Changed("checkpoint-dsn") {
		cfg.Checkpoint.DSN = runDSN
	}
	if flags.Changed("status-addr") {
		cfg.Progress.StatusAddr = runStatusAddr
	}
	if runRedisPub {
		cfg.Progress.RedisChannel = true
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ui.InitUI(noColor, verbose)

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	keys, err := cfg.ResolveKeys()
	if err != nil {
		return err
	}

	ctx, stop := interruptContext(context.Background())
	defer stop()

	runID := uuid.NewString()
	log := logger.WithRun(runID)

	ui.Section("Batch Extraction")
	ui.KeyValue("Input", cfg.Input.Folder)
	ui.KeyValue("Output", cfg.Input.OutputFolder)
	ui.KeyValue("Provider", fmt.Sprintf("%s (%s)", cfg.Recognizer.Provider, cfg.Recognizer.Model))
	ui.KeyValue("Keys", fmt.Sprintf("%d", len(keys)))
	ui.KeyValue("Concurrency", fmt.Sprintf("%d", cfg.Worker.Concurrency))
	ui.KeyValue("Checkpoint", cfg.Checkpoint.Driver)
	ui.Newline()

	spinner := ui.NewSpinner("Opening checkpoint store...")
	spinner.Start()
	store, err := checkpoint.Open(ctx, cfg)
	spinner.Stop()
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	pool, err := credential.NewPool(keys, credential.Options{
		PerMinute:      cfg.Credentials.PerMinute,
		PerDay:         cfg.Credentials.PerDay,
		Window:         cfg.Credentials.Window,
		MinuteCooldown: cfg.Credentials.MinuteCooldown,
		DayCooldown:    cfg.Credentials.DayCooldown,
		Exclusive:      cfg.Credentials.Exclusive,
		AcquireTimeout: cfg.Credentials.AcquireTimeout,
	}, log)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{}

	var view *ui.ProgressView
	if !runNoProgress {
		view = ui.NewProgressView(os.Stdout, "Documents")
		opts = append(opts, orchestrator.WithPublisher(view), orchestrator.WithStartHook(view.Start))
	}

	onPage := func(task domain.Task, page, total int) {
		log.Debug().Str("file", task.RelPath).Int("page", page).Int("pages", total).Msg("Page recognized")
		if view != nil {
			view.PageDone(task, page, total)
		}
	}

	processor, closeRecognizer, err := buildWorker(cfg, pool, store, onPage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRecognizer(); err != nil {
			log.Warn().Err(err).Msg("Failed to close recognizer")
		}
	}()

	if cfg.Progress.StatusAddr != "" {
		srv := progress.NewStatusServer(log, runID, pool.Snapshot)
		if err := srv.Start(cfg.Progress.StatusAddr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		ui.Info("Status endpoint: http://%s/status", srv.Addr())
		opts = append(opts, orchestrator.WithPublisher(srv))
	}

	if cfg.Progress.RedisChannel {
		pub, err := redisPublisher(ctx, cfg, store, runID)
		if err != nil {
			ui.Warning("Redis progress channel disabled: %v", err)
		} else {
			defer pub.Close()
			opts = append(opts, orchestrator.WithPublisher(pub))
		}
	}

	orc := orchestrator.New(store, processor, log, opts...)
	summary, err := orc.Run(ctx, orchestrator.Options{
		InputDir:         cfg.Input.Folder,
		OutputDir:        cfg.Input.OutputFolder,
		Pattern:          cfg.Input.Pattern,
		Range:            queue.Range{Start: cfg.Input.Start, End: cfg.Input.End},
		Resume:           cfg.Input.Resume,
		Adopt:            cfg.Input.Adopt,
		Concurrency:      cfg.Worker.Concurrency,
		StateDir:         cfg.RecoveryDir(),
		Lock:             cfg.Checkpoint.Driver == "file" || cfg.Checkpoint.Driver == "sqlite",
		ProgressInterval: cfg.Progress.Interval,
		RunID:            runID,
	})
	if view != nil {
		view.Close()
	}
	if err != nil {
		return err
	}

	printSummary(summary, pool.Snapshot())

	if code := summary.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// buildWorker wires converter, page recognizer and worker for cfg. onPage is
// called after every recognized page.
func buildWorker(cfg *config.Config, pool *credential.Pool, store domain.CheckpointStore, onPage recognize.PageHook, logger *observability.Logger) (*worker.Worker, func() error, error) {
	pages, closeFn, err := llm.NewPageRecognizer(cfg.Recognizer)
	if err != nil {
		return nil, nil, err
	}

	converter, err := pdf.NewConverter(pdf.Options{
		DPI:          cfg.Recognizer.DPI,
		MaxImageSide: cfg.Recognizer.MaxImageSide,
		Quality:      cfg.Recognizer.JPEGQuality,
	}, logger)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}

	svc := recognize.NewService(converter, pages, recognize.Options{
		PageTimeout: cfg.Recognizer.Timeout,
		PageDelay:   cfg.Recognizer.PageDelay,
	}, logger)
	if onPage != nil {
		svc.SetPageHook(onPage)
	}

	w := worker.New(pool, svc, output.NewAtomicWriter(), store, worker.Config{
		RetryLimit: cfg.Worker.RetryLimit,
		Backoff: worker.BackoffConfig{
			Base: cfg.Worker.BackoffBase,
			Cap:  cfg.Worker.BackoffCap,
		},
		MaxCredentialSwitches: cfg.Worker.MaxCredentialSwitches,
	}, logger)

	return w, closeFn, nil
}

// redisPublisher reuses the checkpoint store's connection when the redis
// driver is active.
func redisPublisher(ctx context.Context, cfg *config.Config, store domain.CheckpointStore, runID string) (*progress.RedisPublisher, error) {
	if rs, ok := store.(*checkpoint.RedisStore); ok {
		return progress.NewRedisPublisher(rs.Client(), cfg.Checkpoint.Prefix, runID), nil
	}
	if cfg.Checkpoint.RedisAddr == "" {
		return nil, fmt.Errorf("no redis address configured (set checkpoint.redis_addr or REDIS_URL)")
	}
	return progress.DialRedisPublisher(ctx, cfg.Checkpoint.RedisAddr, cfg.Checkpoint.RedisDB, cfg.Checkpoint.Prefix, runID)
}

func printSummary(s *orchestrator.Summary, creds []credential.State) {
	ui.Newline()
	ui.Section("Run Summary")
	ui.Table([]string{"Metric", "Value"}, [][]string{
		{"Run ID", s.RunID},
		{"Documents found", fmt.Sprintf("%d", s.Discovered)},
		{"Already completed", fmt.Sprintf("%d", s.AlreadyCompleted)},
		{"Adopted outputs", fmt.Sprintf("%d", s.Adopted)},
		{"Selected", fmt.Sprintf("%d", s.Selected)},
		{"Completed", fmt.Sprintf("%d", s.Completed)},
		{"Failed", fmt.Sprintf("%d", s.Failed)},
		{"Cancelled", fmt.Sprintf("%d", s.Cancelled)},
		{"Not started", fmt.Sprintf("%d", s.Skipped)},
		{"Duration", ui.FormatDuration(s.Duration)},
	})

	if len(creds) > 0 {
		ui.Newline()
		rows := make([][]string, len(creds))
		for i, c := range creds {
			rows[i] = []string{c.Label, c.Status.String(), fmt.Sprintf("%d", c.TotalIssued), fmt.Sprintf("%d", c.QuotaReports)}
		}
		ui.Table([]string{"Key", "Status", "Requests", "Quota errors"}, rows)
	}

	if len(s.Failures) > 0 {
		ui.Newline()
		ui.Section("Failed Documents")
		rows := make([][]string, len(s.Failures))
		for i, f := range s.Failures {
			detail := f.Detail
			if !ui.Verbose() {
				detail = ui.Truncate(detail, 80)
			}
			rows[i] = []string{f.Task.RelPath, string(f.Reason), detail}
		}
		ui.Table([]string{"Document", "Reason", "Detail"}, rows)
		ui.Info("Failed documents are retried by the next run")
	}

	ui.Newline()
	switch {
	case s.Interrupted:
		ui.Warning("Run interrupted; run the same command again to resume")
	case s.Failed > 0:
		ui.Warning("%d of %d documents failed", s.Failed, s.Selected)
	default:
		ui.Success("All %d selected documents completed", s.Selected)
	}
}
