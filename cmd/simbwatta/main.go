package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/api"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/events"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/flow"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/genai"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/llm"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/lockfile"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/recovery"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/scheduler"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for service state data
	DefaultStateDir = "/var/lib/simbwatta"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "simbwatta.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
	// outboxPollInterval is how often queued turn events are relayed
	outboxPollInterval = 2 * time.Second
	// abandonedRequestAge is how long an unanswered turn request blocks retries
	abandonedRequestAge = 10 * time.Minute
	// schedulerStopTimeout bounds the wait for running maintenance jobs
	schedulerStopTimeout = 5 * time.Second
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize structured logger
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping simbwatta dialog core")
	if err := run(ctx, flags); err != nil {
		slog.Error("simbwatta failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("simbwatta exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	OpenAIKey          string
	OpenAIBaseURL      string
	Model              string
	FallbackModel      string
	Temperature        float64
	MaxRetries         int
	StimulusRetryLimit int
	SoftReactionCheck  bool
	GenAIDebug         bool
	NATSURL            string
	NATSToken          string
	APIAddr            string
	LogLevel           string
}

// Flags holds command line flag values
type Flags struct {
	stateDir           *string
	dbDSN              *string
	openaiKey          *string
	openaiBaseURL      *string
	model              *string
	fallbackModel      *string
	temperature        *float64
	maxRetries         *int
	stimulusRetryLimit *int
	softReactionCheck  *bool
	genaiDebug         *bool
	natsURL            *string
	natsToken          *string
	apiAddr            *string
	logLevel           *string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           util.EnvOrDefault("SIMBWATTA_STATE_DIR", DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		Model:              util.EnvOrDefault("LLM_MODEL", llm.DefaultModel),
		FallbackModel:      util.EnvOrDefault("LLM_FALLBACK_MODEL", llm.DefaultFallbackModel),
		Temperature:        util.ParseFloatEnv("LLM_TEMPERATURE", llm.DefaultTemperature),
		MaxRetries:         util.ParseIntEnv("LLM_MAX_RETRIES", llm.DefaultMaxRetries),
		StimulusRetryLimit: util.ParseIntEnv("STIMULUS_JSON_RETRY_LIMIT", llm.DefaultStimulusRetryLimit),
		SoftReactionCheck:  util.ParseBoolEnv("SOFT_REACTION_CHECK", true),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		NATSURL:            os.Getenv("NATS_URL"),
		NATSToken:          os.Getenv("NATS_TOKEN"),
		APIAddr:            util.EnvOrDefault("API_ADDR", api.DefaultAddr),
		LogLevel:           util.EnvOrDefault("LOG_LEVEL", "info"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = defaultSQLiteDSN(config.StateDir)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "dsn", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"SIMBWATTA_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"LLM_MODEL", config.Model,
		"LLM_FALLBACK_MODEL", config.FallbackModel,
		"NATS_URL_SET", config.NATSURL != "",
		"API_ADDR", config.APIAddr)

	return config
}

func defaultSQLiteDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("simbwatta", flag.ContinueOnError)
	flags := Flags{
		stateDir:           fs.String("state-dir", config.StateDir, "state directory for lock file, SQLite database and debug logs (overrides $SIMBWATTA_STATE_DIR)"),
		dbDSN:              fs.String("db-dsn", config.DatabaseURL, "Postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)"),
		openaiKey:          fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBaseURL:      fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)"),
		model:              fs.String("model", config.Model, "primary chat model (overrides $LLM_MODEL)"),
		fallbackModel:      fs.String("fallback-model", config.FallbackModel, "fallback chat model (overrides $LLM_FALLBACK_MODEL)"),
		temperature:        fs.Float64("temperature", config.Temperature, "sampling temperature for replies (overrides $LLM_TEMPERATURE)"),
		maxRetries:         fs.Int("max-retries", config.MaxRetries, "validator-triggered retries per turn (overrides $LLM_MAX_RETRIES)"),
		stimulusRetryLimit: fs.Int("stimulus-retry-limit", config.StimulusRetryLimit, "corrective retries for unparsable stimuli (overrides $STIMULUS_JSON_RETRY_LIMIT)"),
		softReactionCheck:  fs.Bool("soft-reaction-check", config.SoftReactionCheck, "retry replies that do not acknowledge the user (overrides $SOFT_REACTION_CHECK)"),
		genaiDebug:         fs.Bool("genai-debug", config.GenAIDebug, "write every completion to <state-dir>/debug (overrides $GENAI_DEBUG)"),
		natsURL:            fs.String("nats-url", config.NATSURL, "NATS server URL for turn events, empty disables publishing (overrides $NATS_URL)"),
		natsToken:          fs.String("nats-token", config.NATSToken, "NATS auth token (overrides $NATS_TOKEN)"),
		apiAddr:            fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:           fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Follow an overridden state directory when the DSN is the default SQLite file
	if *flags.dbDSN == defaultSQLiteDSN(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = defaultSQLiteDSN(*flags.stateDir)
		slog.Debug("Updated dbDSN based on state directory", "state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"model", *flags.model,
		"fallbackModel", *flags.fallbackModel,
		"maxRetries", *flags.maxRetries,
		"apiAddr", *flags.apiAddr)
	return flags, nil
}

// run wires the service together and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("create genai client: %w", err)
	}
	orch := llm.NewOrchestrator(genaiClient, buildOrchestratorConfig(flags))

	pub, err := openPublisher(*flags.natsURL, *flags.natsToken)
	if err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	defer pub.Close()

	rm := recovery.NewRecoveryManager(st, time.Now())
	rm.RegisterRecoverable("outbox", recovery.OutboxRecovery())
	rm.RegisterRecoverable("turn-requests", recovery.InboundRecovery())
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery finished with errors", "error", err)
	}

	sender := store.NewOutboxSender(st, events.OutboxSendFunc(pub), outboxPollInterval)
	stopRelay := startOutboxRelay(ctx, sender)
	defer stopRelay()

	sched := scheduler.NewScheduler(ctx)
	if err := registerMaintenanceJobs(sched, st, sender); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), schedulerStopTimeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	server := api.NewServer(flow.NewDialogFlow(st, orch), st, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// startOutboxRelay runs the sender until the returned stop func is called or
// ctx ends. stop blocks until the sender has returned, so the store and
// publisher can be closed after it.
func startOutboxRelay(ctx context.Context, sender *store.OutboxSender) (stop func()) {
	relayCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sender.Run(relayCtx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// registerMaintenanceJobs schedules the periodic store upkeep
func registerMaintenanceJobs(sched *scheduler.Scheduler, st store.DedupRepo, sender *store.OutboxSender) error {
	if err := sched.AddJob("outbox-stale", "@every 1m", func(context.Context) error {
		return sender.RecoverStaleMessages()
	}); err != nil {
		return err
	}
	return sched.AddJob("turn-request-purge", "@every 10m", func(context.Context) error {
		now := time.Now()
		_, err := st.PurgeInbound(now.Add(-recovery.ProcessedRequestRetention), now.Add(-abandonedRequestAge))
		return err
	})
}

// openStore picks the store backend from the DSN
func openStore(dsn string) (store.Store, error) {
	switch {
	case dsn == "" || strings.EqualFold(dsn, MemoryDSN):
		slog.Warn("Using in-memory store; sessions are lost on restart")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(dsn) == store.DriverPostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(buildStoreOptions(dsn)...)
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
		return store.NewSQLiteStore(buildStoreOptions(dsn)...)
	}
}

// openPublisher returns the NATS publisher, or a no-op one when no URL is set
func openPublisher(url, token string) (events.Publisher, error) {
	if url == "" {
		slog.Info("NATS_URL not set, turn events stay in the outbox log only")
		return events.NoopPublisher{}, nil
	}
	return events.NewNATSPublisher(url, token, slog.Default())
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(dsn string) []store.Option {
	if store.DetectDSNType(dsn) == store.DriverPostgres {
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	genaiOpts = append(genaiOpts, genai.WithTemperature(*flags.temperature))
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildOrchestratorConfig maps flags onto llm.Config
func buildOrchestratorConfig(flags Flags) llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Model = *flags.model
	cfg.FallbackModel = *flags.fallbackModel
	cfg.Temperature = *flags.temperature
	cfg.MaxRetries = *flags.maxRetries
	cfg.StimulusRetryLimit = *flags.stimulusRetryLimit
	cfg.SoftReactionCheck = *flags.softReactionCheck
	return cfg
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
