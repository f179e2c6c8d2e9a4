package main

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/notify"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
)

func main() {
	// Load environment configuration
	cfg := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)

	initializeLogger(*flags.logLevel, *flags.logJSON)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	msgOpts := buildMessagingOptions(cfg)
	notifyOpts := buildNotifyOptions(cfg)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping FlowPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "messaging", len(msgOpts), "notify", len(notifyOpts), "api", len(apiOpts))
	lock, err := acquireStateLock(flags)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	runErr := api.Run(storeOpts, genaiOpts, msgOpts, notifyOpts, apiOpts)
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("FlowPipe failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseDSN   string
	OpenAIKey     string
	OpenAIModel   string
	APIAddr       string
	FlowsFile     string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	NATSURL       string
	NATSSubject   string
	SchedulerSpec string
	SweepSpec     string
	StaleAfter    time.Duration
	BatchSize     int
	LogLevel      string
	LogJSON       bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	flowsFile     *string
	natsURL       *string
	schedulerSpec *string
	sweepSpec     *string
	staleAfter    *time.Duration
	batchSize     *int
	logLevel      *string
	logJSON       *bool
}

// initializeLogger installs a text or JSON handler at the requested level as the default logger.
func initializeLogger(level string, jsonOutput bool) {
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, level, jsonOutput)))
}

func newLogHandler(w io.Writer, level string, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:      os.Getenv("FLOWPIPE_STATE_DIR"),
		DatabaseDSN:   os.Getenv("DATABASE_URL"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		APIAddr:       os.Getenv("API_ADDR"),
		FlowsFile:     os.Getenv(config.EnvFlowsFile),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		NATSURL:       os.Getenv("NATS_URL"),
		NATSSubject:   os.Getenv("NATS_HANDOFF_SUBJECT"),
		SchedulerSpec: os.Getenv("SCHEDULER_SPEC"),
		SweepSpec:     os.Getenv("SWEEP_SPEC"),
		StaleAfter:    util.ParseDurationEnv("STALE_CLAIM_AFTER", flow.DefaultStaleAfter),
		BatchSize:     util.ParseIntEnv("CONTINUATION_BATCH_SIZE", flow.DefaultBatchSize),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		LogJSON:       util.ParseBoolEnv("LOG_JSON", false),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	// If no database URL is provided, default to SQLite in the state directory
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
	}
	if cfg.SchedulerSpec == "" {
		cfg.SchedulerSpec = scheduler.DefaultTickSpec
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = scheduler.DefaultSweepSpec
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"API_ADDR", cfg.APIAddr,
		"FLOWPIPE_FLOWS_FILE", cfg.FlowsFile,
		"TWILIO_ACCOUNT_SID_SET", cfg.TwilioSID != "",
		"NATS_URL_SET", cfg.NATSURL != "",
		"SCHEDULER_SPEC", cfg.SchedulerSpec)

	return cfg
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg Config) Flags {
	flags := Flags{
		stateDir:      fs.String("state-dir", cfg.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", cfg.DatabaseDSN, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:     fs.String("openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", cfg.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:       fs.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		flowsFile:     fs.String("flows-file", cfg.FlowsFile, "YAML bot and flow definitions (overrides $FLOWPIPE_FLOWS_FILE)"),
		natsURL:       fs.String("nats-url", cfg.NATSURL, "NATS server for handoff notifications (overrides $NATS_URL)"),
		schedulerSpec: fs.String("scheduler-spec", cfg.SchedulerSpec, "cron spec of the continuation tick (overrides $SCHEDULER_SPEC)"),
		sweepSpec:     fs.String("sweep-spec", cfg.SweepSpec, "cron spec of the stale-claim sweep (overrides $SWEEP_SPEC)"),
		staleAfter:    fs.Duration("stale-after", cfg.StaleAfter, "fail continuations claimed longer than this (overrides $STALE_CLAIM_AFTER)"),
		batchSize:     fs.Int("batch-size", cfg.BatchSize, "due continuations processed per tick (overrides $CONTINUATION_BATCH_SIZE)"),
		logLevel:      fs.String("log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
		logJSON:       fs.Bool("log-json", cfg.LogJSON, "emit JSON log lines (overrides $LOG_JSON)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// Follow a moved state directory unless the DSN was set explicitly.
	if *flags.dbDSN == filepath.Join(cfg.StateDir, DefaultDBFileName) && *flags.stateDir != cfg.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", cfg.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates the directory of a file-based database.
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	return os.MkdirAll(stateDir, 0755)
}

// acquireStateLock locks the directory of a SQLite database. Other backends need no lock.
func acquireStateLock(flags Flags) (*lockfile.Lock, error) {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil, nil
	}
	return lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildMessagingOptions constructs Twilio configuration options
func buildMessagingOptions(cfg Config) []messaging.Option {
	var opts []messaging.Option
	if cfg.TwilioSID != "" {
		opts = append(opts, messaging.WithAccountSID(cfg.TwilioSID))
	}
	if cfg.TwilioToken != "" {
		opts = append(opts, messaging.WithAuthToken(cfg.TwilioToken))
	}
	if cfg.TwilioFrom != "" {
		opts = append(opts, messaging.WithFromNumber(cfg.TwilioFrom))
	}
	return opts
}

// buildNotifyOptions constructs handoff notifier options
func buildNotifyOptions(cfg Config) []notify.Option {
	var opts []notify.Option
	if cfg.NATSSubject != "" {
		opts = append(opts, notify.WithSubject(cfg.NATSSubject))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithTickSpec(*flags.schedulerSpec),
		api.WithSweepSpec(*flags.sweepSpec),
		api.WithStaleAfter(*flags.staleAfter),
		api.WithBatchSize(*flags.batchSize),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.flowsFile != "" {
		apiOpts = append(apiOpts, api.WithFlowsFile(*flags.flowsFile))
	}
	if *flags.natsURL != "" {
		apiOpts = append(apiOpts, api.WithNATSURL(*flags.natsURL))
	}
	return apiOpts
}
