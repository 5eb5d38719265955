package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mmcdole/dailybrief/internal/config"
	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/engine"
	"github.com/mmcdole/dailybrief/internal/fallback"
	"github.com/mmcdole/dailybrief/internal/health"
	"github.com/mmcdole/dailybrief/internal/log"
	"github.com/mmcdole/dailybrief/internal/outbox"
	"github.com/mmcdole/dailybrief/internal/remote"
	"github.com/mmcdole/dailybrief/internal/runner"
	"github.com/mmcdole/dailybrief/internal/scheduler"
	"github.com/mmcdole/dailybrief/internal/search"
	"github.com/mmcdole/dailybrief/internal/store"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dailybrief",
	Short: "dailybrief - offline-first cache and sync agent for daily briefs",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background agent (daily refresh + interaction sync)",
	RunE:  runRun,
}

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's brief, fetching it if the cache is stale",
	RunE:  runToday,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch today's brief from the content service, bypassing the cache",
	RunE:  runRefresh,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache health and sync status",
	RunE:  runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show interactions awaiting delivery",
	RunE:  runQueue,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued interactions now",
	RunE:  runSync,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Scan the cache for corruption and accounting drift",
	RunE:  runCheck,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached briefs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List cached briefs, newest first",
	RunE:  runHistory,
}

var logCmd = &cobra.Command{
	Use:   "log <type>",
	Short: "Record an interaction with today's brief (view, tap, external_link_click, share, bookmark)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var (
	deadFlag     bool
	requeueFlag  bool
	resumeFlag   bool
	repairFlag   bool
	searchLimit  int
	historyLimit int
)

func init() {
	rootCmd.Version = Version
	queueCmd.Flags().BoolVar(&deadFlag, "dead", false, "show dead-lettered interactions instead of the pending queue")
	queueCmd.Flags().BoolVar(&requeueFlag, "requeue", false, "move dead-lettered interactions back into the queue")
	queueCmd.Flags().BoolVar(&resumeFlag, "resume", false, "resume delivery after an authentication failure")
	checkCmd.Flags().BoolVar(&repairFlag, "repair", false, "remove entries that fail validation")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max entries")
	rootCmd.AddCommand(runCmd, todayCmd, refreshCmd, statusCmd, queueCmd, syncCmd, checkCmd, searchCmd, historyCmd, logCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	engine *engine.Engine
}

// openApp loads config, sets up logging and wires the engine stack.
// Every command goes through here so one-shot invocations and the
// long-running agent see the same configuration and cache.
func openApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := log.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = log.NullLogger()
	}
	slog.SetDefault(logger)

	logger.Info("starting dailybrief", "version", Version)

	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("content service is not configured; set server.url in the config file")
	}

	st, err := store.Open(cfg.Cache.Dir, store.Options{
		Budget:    cfg.Cache.BudgetBytes,
		Retention: cfg.Cache.Retention,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	client := remote.NewClient(cfg.Server.URL, cfg.Server.Token, cfg.Server.Timeout, logger)

	// One metrics instance shared by the monitor and the outbox so
	// drain outcomes count toward the health score.
	metrics := health.NewMetrics()
	eng, err := engine.New(engine.Deps{
		Store:  st,
		Client: client,
		Outbox: outbox.NewManager(st, client, outbox.Options{
			Policy: outbox.Policy{
				Base:       cfg.Sync.BaseDelay,
				Multiplier: cfg.Sync.Multiplier,
				Cap:        cfg.Sync.MaxDelay,
				MaxRetries: cfg.Sync.MaxRetries,
			},
			Metrics: metrics,
			Logger:  logger,
		}),
		Resolver: fallback.NewResolver(st, fallback.Options{
			MaxFallbackAge: cfg.Cache.MaxFallbackAge,
			Logger:         logger,
		}),
		Monitor: health.NewMonitor(st, metrics, health.Options{Logger: logger}),
		Search:  search.NewService(st, logger),
	}, engine.Options{
		Freshness: cfg.Cache.FreshnessThreshold,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, engine: eng}, nil
}

// Close shuts down the engine, which owns the store.
func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Error("shutdown error", "error", err)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := a.cfg.Refresh.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Options{
		TargetHour:     a.cfg.Refresh.TargetHour,
		DriftThreshold: a.cfg.Refresh.DriftThreshold,
		Location:       loc,
		Logger:         a.logger,
	})
	r, err := runner.New(a.engine, sched, a.store, runner.Options{
		DrainInterval:      a.cfg.Sync.DrainInterval,
		DriftCheckInterval: a.cfg.Refresh.DriftCheckInterval,
		SweepInterval:      a.cfg.Refresh.SweepInterval,
		Logger:             a.logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	fmt.Printf("dailybrief agent running, daily refresh at %02d:00 %s\n", a.cfg.Refresh.TargetHour, loc)
	return r.Run(ctx)
}

func runToday(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	printState(os.Stdout, a.engine.FetchToday(context.Background()))
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	printState(os.Stdout, a.engine.ForceRefresh(context.Background()))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.engine.HealthSnapshot()

	fmt.Printf("Cache: %d briefs, %s of %s budget\n",
		a.store.EntryCount(),
		humanize.IBytes(uint64(a.store.TotalSize())),
		humanize.IBytes(uint64(a.store.Budget())))
	if at, ok := a.engine.LastRefreshAt(); ok {
		fmt.Printf("Last refresh: %s\n", humanize.Time(at))
	} else {
		fmt.Println("Last refresh: never")
	}
	fmt.Printf("Queue: %d pending, %d dead-lettered\n", snap.Integrity.QueueLen, snap.Integrity.DeadLetters)
	if a.engine.SyncPaused() {
		fmt.Println("Sync: paused after an authentication failure; fix the token and run 'dailybrief queue --resume'")
	}
	fmt.Printf("Health: %d/100 (%s)\n", snap.Score, snap.Status)
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if resumeFlag {
		a.engine.ResumeSync()
		fmt.Println("Sync resumed.")
	}
	if requeueFlag {
		n, err := a.engine.RequeueDeadLetters()
		if err != nil {
			return fmt.Errorf("failed to requeue dead letters: %w", err)
		}
		fmt.Printf("Requeued %d interactions.\n", n)
	}

	if deadFlag {
		letters, err := a.engine.DeadLetters()
		if err != nil {
			return fmt.Errorf("failed to read dead letters: %w", err)
		}
		printDeadLetters(os.Stdout, letters)
		return nil
	}

	items, err := a.engine.Queue()
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	printQueue(os.Stdout, items)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := a.engine.Drain(ctx)
	if err != nil {
		if report.Paused {
			return fmt.Errorf("sync is paused after an authentication failure; fix the token and run 'dailybrief queue --resume'")
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Printf("Attempted %d: %d delivered, %d retried, %d dead-lettered, %d still queued\n",
		report.Attempted, report.Delivered, report.Retried, report.DeadLettered, report.Remaining)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.IntegrityCheck()
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	printIntegrityReport(os.Stdout, report)

	if repairFlag && report.CorruptedEntries > 0 {
		n, err := a.engine.RemoveCorrupted()
		if err != nil {
			return fmt.Errorf("failed to remove corrupted entries: %w", err)
		}
		fmt.Printf("Removed %d corrupted entries.\n", n)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.engine.SearchHistory(strings.Join(args, " "), searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No matching briefs.")
		return nil
	}
	for _, res := range results {
		rec := res.Entry.Record
		fmt.Printf("%s  %s\n", rec.ContentDate, rec.Title)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.engine.History(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No cached briefs.")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%s  %-40s  cached %s\n", entry.Record.ContentDate, entry.Record.Title, humanize.Time(entry.CachedAt))
	}
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	typ, ok := domain.ParseInteractionType(args[0])
	if !ok {
		return fmt.Errorf("unknown interaction type %q (want view, tap, external_link_click, share or bookmark)", args[0])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.engine.RecordInteraction(typ)
	fmt.Printf("Recorded %s interaction.\n", typ)
	return nil
}

// printState renders a cache state the way the home-screen tile would.
func printState(w io.Writer, state domain.CacheState) {
	switch state.Kind {
	case domain.StateLoaded:
		printRecord(w, state.Record, "")
	case domain.StateOffline:
		printRecord(w, state.Record, "offline, showing today's cached brief")
	case domain.StateFallback:
		if state.Fallback.Content != nil {
			printRecord(w, state.Fallback.Content, state.Fallback.UserMessage)
		} else {
			fmt.Fprintln(w, state.Fallback.UserMessage)
		}
	case domain.StateError:
		fmt.Fprintln(w, state.Reason)
	default:
		fmt.Fprintln(w, "Loading...")
	}
}

func printRecord(w io.Writer, rec *domain.ContentRecord, note string) {
	fmt.Fprintf(w, "%s  %s\n", rec.ContentDate, rec.Title)
	if rec.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", rec.Summary)
	}
	if rec.Body != "" {
		fmt.Fprintf(w, "\n%s\n", rec.Body)
	}
	fmt.Fprintf(w, "\nTopic: %s  Published: %s\n", rec.Topic, humanize.Time(rec.PublishedAt))
	if note != "" {
		fmt.Fprintf(w, "Note: %s\n", note)
	}
}

func printQueue(w io.Writer, items []*domain.SyncQueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, item := range items {
		fmt.Fprintf(w, "#%d  %s  %s  recorded %s", item.Seq, item.Type, item.ContentID, humanize.Time(item.OccurredAt))
		if item.RetryCount > 0 {
			fmt.Fprintf(w, "  (attempt %d, next %s)", item.RetryCount+1, humanize.Time(item.NextRetryAt))
		}
		fmt.Fprintln(w)
	}
}

func printDeadLetters(w io.Writer, letters []*domain.DeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(w, "No dead-lettered interactions.")
		return
	}
	for _, dl := range letters {
		fmt.Fprintf(w, "#%d  %s  %s  failed %s: %s\n",
			dl.Item.Seq, dl.Item.Type, dl.Item.ContentID, humanize.Time(dl.DeadAt), dl.Reason)
	}
}

func printIntegrityReport(w io.Writer, report domain.IntegrityReport) {
	fmt.Fprintf(w, "Entries scanned: %d\n", report.EntriesScanned)
	fmt.Fprintf(w, "Corrupted entries: %d\n", report.CorruptedEntries)
	for _, d := range report.CorruptedDates {
		fmt.Fprintf(w, "  %s\n", d)
	}
	fmt.Fprintf(w, "Orphaned queue items: %d\n", report.OrphanedQueueItems)
	fmt.Fprintf(w, "Queue: %d pending, %d dead-lettered\n", report.QueueLen, report.DeadLetters)
	if drift := report.SizeDrift(); drift != 0 {
		fmt.Fprintf(w, "Size accounting drift: %d bytes (recorded %s, actual %s)\n",
			drift, humanize.IBytes(uint64(report.RecordedSize)), humanize.IBytes(uint64(report.ActualSize)))
	} else {
		fmt.Fprintf(w, "Size accounting: consistent (%s)\n", humanize.IBytes(uint64(report.ActualSize)))
	}
}
