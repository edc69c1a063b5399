package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/subtrack/subtrack/internal/api"
	"github.com/subtrack/subtrack/internal/config"
	"github.com/subtrack/subtrack/internal/filter"
	"github.com/subtrack/subtrack/internal/jobs"
	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/optimize"
	"github.com/subtrack/subtrack/internal/recommend"
	"github.com/subtrack/subtrack/internal/screentime"
	"github.com/subtrack/subtrack/internal/store"
	"github.com/subtrack/subtrack/internal/usage"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "subtrack",
		Short: "Subscription tracker with budget and usage analytics",
		Long:  "subtrack tracks paid subscriptions, scores how much each one is used,\nand picks the most useful set that fits a budget.",
	}

	var configFile string
	var port int
	var devMode bool
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: subtrack.yaml)")

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the API server and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 7420)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter subtrack.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("subtrack %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── optimize ───
	var itemsFile, budget string
	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Pick the highest-usage set of items that fits a budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(configFile, itemsFile, budget)
		},
	}
	optimizeCmd.Flags().StringVarP(&itemsFile, "file", "f", "", "YAML list of items (id, cost, score)")
	optimizeCmd.Flags().StringVarP(&budget, "budget", "b", "", "Budget in currency units")
	_ = optimizeCmd.MarkFlagRequired("file")
	_ = optimizeCmd.MarkFlagRequired("budget")

	// ─── score ───
	var csvFile, activity string
	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score usage from a time tracking CSV export",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(configFile, csvFile, activity)
		},
	}
	scoreCmd.Flags().StringVarP(&csvFile, "file", "f", "", "CSV with Date, Time Spent (seconds), Activity columns")
	scoreCmd.Flags().StringVarP(&activity, "activity", "a", "", "Activity to score (default: every activity)")
	_ = scoreCmd.MarkFlagRequired("file")

	// ─── jobs ───
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Batch job commands",
	}
	jobsRunCmd := &cobra.Command{
		Use:       "run [payments|usage]",
		Short:     "Run a batch job on the running server",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.JobPayments, jobs.JobUsage},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(configFile, port, args[0])
		},
	}
	jobsRunCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default: from config)")
	jobsCmd.AddCommand(jobsRunCmd)

	// ─── doctor ───
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, storage, and server connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(configFile, port)
		},
	}
	doctorCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default: from config)")

	// ─── user ───
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	var notifyUser bool
	var threshold int
	var trackingKey string
	userAddCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAdd(configFile, &store.User{
				Username:           args[0],
				AllowNotifications: notifyUser,
				UnusedThreshold:    threshold,
				TimeTrackingKey:    trackingKey,
			})
		},
	}
	userAddCmd.Flags().BoolVar(&notifyUser, "notify", false, "Send payment reminders and unused warnings")
	userAddCmd.Flags().IntVar(&threshold, "unused-threshold", 0, "Score below which a plan counts as unused (default: from config)")
	userAddCmd.Flags().StringVar(&trackingKey, "time-tracking-key", "", "Time tracking API key used for usage scores")
	userCmd.AddCommand(userAddCmd)

	rootCmd.AddCommand(startCmd, initCmd, versionCmd, optimizeCmd, scoreCmd, jobsCmd, userCmd, doctorCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := db.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	evaluator, err := filter.NewEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	optimizer := optimize.NewOptimizer(cfg.Budget.Limits(), logger)
	recommender := recommend.NewService(db, optimizer, evaluator, cfg.Budget.DefaultPeriod, logger)

	notifier := notify.NewManager(cfg.Notifications, logger)
	if !notifier.HasSenders() {
		logger.Warn("no notification channels configured; reminders will only be logged")
	}

	var fetcher jobs.Fetcher
	if cfg.ScreenTime.BaseURL != "" {
		fetcher = screentime.NewClient(cfg.ScreenTime.BaseURL, cfg.ScreenTime.Timeout, logger)
	}

	var runner *jobs.Runner
	var scheduler *jobs.Scheduler
	if cfg.Jobs.Enabled {
		runner = jobs.NewRunner(db, fetcher, notifier, jobOptions(cfg), logger)
		scheduler = jobs.NewScheduler(runner, cfg.Jobs.Interval, notifier.PruneDedup, logger)
	}

	apiServer := api.NewServer(cfg.Server, db, cfgLoader, recommender, runner, logger)
	apiServer.SetNotifier(notifier)
	if fetcher != nil {
		apiServer.SetUsageSource(fetcher)
	}

	fmt.Println()
	fmt.Printf("  subtrack %s\n", version)
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Events:    ws://localhost:%d/api/ws/events\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	if cfg.Jobs.Enabled {
		fmt.Printf("  → Jobs:      every %s\n", cfg.Jobs.Interval)
	} else {
		fmt.Println("  → Jobs:      disabled")
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job and scoring settings hot-reload; port, storage and channels need a restart.
	if cfgLoader.FilePath() != "" {
		if err := cfgLoader.Watch(func(next *config.Config) {
			if runner != nil {
				runner.SetOptions(jobOptions(next))
			}
			if scheduler != nil {
				scheduler.SetInterval(next.Jobs.Interval)
			}
		}, logger); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	if scheduler != nil {
		go scheduler.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func jobOptions(cfg *config.Config) jobs.Options {
	return jobs.Options{
		Concurrency:     cfg.Jobs.Concurrency,
		ReminderDays:    cfg.Jobs.PaymentReminderDays,
		LookbackDays:    cfg.Usage.LookbackDays,
		UnusedThreshold: cfg.Usage.UnusedThreshold,
		Params:          cfg.Usage.Params(),
	}
}

// ─── Init ───

func runInit() error {
	configPath := "subtrack.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    subtrack doctor     # Check the setup")
	fmt.Println("    subtrack start      # Start the server")
	return nil
}

// ─── Optimize ───

type itemFile struct {
	Items []struct {
		ID    string `yaml:"id"`
		Cost  money  `yaml:"cost"`
		Score int    `yaml:"score"`
	} `yaml:"items"`
}

// money decodes YAML scalars without going through float64.
type money struct{ decimal.Decimal }

func (m *money) UnmarshalYAML(value *yaml.Node) error {
	d, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q", value.Line, value.Value)
	}
	m.Decimal = d
	return nil
}

func runOptimize(configFile, path, rawBudget string) error {
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	budget, err := decimal.NewFromString(rawBudget)
	if err != nil {
		return fmt.Errorf("invalid budget %q", rawBudget)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read items: %w", err)
	}
	var f itemFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	items := make([]optimize.Item, 0, len(f.Items))
	for _, it := range f.Items {
		items = append(items, optimize.Item{ID: it.ID, Cost: it.Cost.Decimal, UsageScore: it.Score})
	}

	sel, err := optimize.NewOptimizer(cfgLoader.Get().Budget.Limits(), nil).Plan(items, budget)
	if err != nil {
		return err
	}

	fmt.Printf("%-24s %10s %6s\n", "ITEM", "COST", "SCORE")
	fmt.Println(strings.Repeat("─", 42))
	chosen := make(map[string]bool, len(sel.IDs))
	for _, id := range sel.IDs {
		chosen[id] = true
	}
	for _, it := range items {
		if chosen[it.ID] {
			fmt.Printf("%-24s %10s %6d\n", truncate(it.ID, 24), it.Cost.StringFixed(2), it.UsageScore)
		}
	}
	fmt.Println(strings.Repeat("─", 42))
	fmt.Printf("%-24s %10s %6d\n", "total", sel.TotalCost.StringFixed(2), sel.TotalScore)
	fmt.Printf("budget %s, %d of %d items kept\n", budget.StringFixed(2), len(sel.IDs), len(items))
	return nil
}

// ─── Score ───

func runScore(configFile, path, name string) error {
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	params := cfgLoader.Get().Usage.Params()

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = fh.Close() }()

	act, err := screentime.Parse(fh)
	if err != nil {
		return err
	}

	names := act.Names()
	if name != "" {
		names = []string{name}
	}
	sort.Strings(names)

	fmt.Printf("%-24s %5s %10s %10s %s\n", "ACTIVITY", "SCORE", "RECENT", "OLDER", "NOTE")
	fmt.Println(strings.Repeat("─", 64))
	for _, n := range names {
		series, err := act.Series(n)
		if err != nil {
			return err
		}
		a, err := usage.Evaluate(series, params)
		if errors.Is(err, usage.ErrInsufficientData) {
			fmt.Printf("%-24s %5s %10s %10s %s\n", truncate(n, 24), "-", "-", "-", "not enough data")
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
		note := ""
		if a.Declined {
			note = fmt.Sprintf("declining (-%.1f)", a.Penalty)
		}
		fmt.Printf("%-24s %5d %10.1f %10.1f %s\n", truncate(n, 24), a.Score, a.RecentMA, a.OlderMA, note)
	}
	fmt.Printf("%d days of data\n", act.Days())
	return nil
}

// ─── Jobs ───

func runJob(configFile string, port int, job string) error {
	if job != jobs.JobPayments && job != jobs.JobUsage {
		return fmt.Errorf("unknown job %q (use %s or %s)", job, jobs.JobPayments, jobs.JobUsage)
	}
	p, err := resolvePort(configFile, port)
	if err != nil {
		return err
	}

	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/jobs/%s", p, job), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to subtrack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ %s failed (HTTP %d): %v\n", job, resp.StatusCode, result["error"])
		return nil
	}
	fmt.Printf("✓ %s run %v: %v users, %v processed, %v skipped, %v failed, %v notified\n",
		job, result["run_id"], result["users"], result["processed"], result["skipped"], result["failed"], result["notified"])
	return nil
}

// ─── User ───

func runUserAdd(configFile string, u *store.User) error {
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if u.UnusedThreshold < 0 || u.UnusedThreshold > 10 {
		return fmt.Errorf("unused threshold must be between 0 and 10, got %d", u.UnusedThreshold)
	}

	db, err := store.NewSQLiteStore(cfgLoader.Get().Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := db.UpsertUser(u); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Printf("✓ Created user %s\n", u.Username)
	fmt.Printf("  ID: %s (send it as the %s header)\n", u.ID, api.UserHeader)
	return nil
}

// ─── Doctor ───

func runDoctor(configFile string, port int) error {
	fmt.Println("subtrack doctor")
	fmt.Println("───────────────")

	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	cfgLoader := config.NewLoader()
	if path == "" {
		fmt.Println("⚠ No config file found (will use defaults)")
	} else if err := cfgLoader.Load(path); err != nil {
		fmt.Printf("✗ Config: %v\n", err)
	} else {
		fmt.Printf("✓ Config file valid: %s\n", path)
	}
	cfg := cfgLoader.Get()

	db, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err == nil {
		err = db.Initialize()
		_ = db.Close()
	}
	if err != nil {
		fmt.Printf("✗ Storage: %v\n", err)
	} else {
		fmt.Printf("✓ Storage ready: %s\n", cfg.Storage.Path)
	}

	n := cfg.Notifications
	switch {
	case n.OneSignal.AppID != "" && n.OneSignal.APIKey != "", n.Slack.WebhookURL != "", n.Webhook.URL != "":
		fmt.Println("✓ Notification channel configured")
	default:
		fmt.Println("⚠ No notification channel configured")
	}

	p := port
	if p == 0 {
		p = cfg.Server.Port
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/health", p))
	if err != nil {
		fmt.Printf("✗ subtrack not running on port %d\n", p)
	} else {
		_ = resp.Body.Close()
		fmt.Printf("✓ HTTP server running on port %d\n", p)
	}
	return nil
}

// ─── Helpers ───

func loadConfig(configFile string) (*config.Loader, error) {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	return cfgLoader, nil
}

func findConfigFile() string {
	candidates := []string{
		"subtrack.yaml",
		"subtrack.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "subtrack", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(configFile string, port int) (int, error) {
	if port > 0 {
		return port, nil
	}
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return 0, err
	}
	return cfgLoader.Get().Server.Port, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
