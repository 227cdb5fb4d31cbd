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
	"syscall"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/joho/godotenv"

	"github.com/nsokolov/pricebot/internal/api"
	"github.com/nsokolov/pricebot/internal/classifier"
	"github.com/nsokolov/pricebot/internal/eventlog"
	"github.com/nsokolov/pricebot/internal/gate"
	"github.com/nsokolov/pricebot/internal/handler"
	"github.com/nsokolov/pricebot/internal/lockfile"
	"github.com/nsokolov/pricebot/internal/monitor"
	"github.com/nsokolov/pricebot/internal/scheduler"
	"github.com/nsokolov/pricebot/internal/sheets"
	"github.com/nsokolov/pricebot/internal/store"
	"github.com/nsokolov/pricebot/internal/telegram"
	"github.com/nsokolov/pricebot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for session and database files
	DefaultStateDir = "/var/lib/pricebot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pricebot.db"
	// DefaultLogSubdir is where daily event logs go under the state directory
	DefaultLogSubdir = "logs"
	// DefaultSessionFileName is the MTProto session file
	DefaultSessionFileName = "session.json"
	// DefaultDrainTimeout bounds how long shutdown waits for in-flight replies
	DefaultDrainTimeout = 30 * time.Second
	// directoryCleanupSchedule prunes stale directory records nightly
	directoryCleanupSchedule = "0 4 * * *"
)

func main() {
	// Initialize structured logger; replaced with the file-backed one once the
	// log directory is known.
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("Pricebot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Pricebot exited successfully")
}

// Config holds environment configuration
type Config struct {
	AppID            int64
	AppHash          string
	Phone            string
	Password         string
	ChatID           int64
	FallbackUsername string
	Keywords         string
	SheetID          string
	CredentialsPath  string
	SheetGID         int64
	SheetName        string
	AimlAPIKey       string
	DatabaseURL      string
	StateDir         string
	APIAddr          string
	DrainTimeout     time.Duration
	LogRetentionDays int64
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	aimlKey      *string
	keywords     *string
	sheetID      *string
	credentials  *string
	drainTimeout *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		AppID:            util.ParseIntEnv("TELEGRAM_API_ID", 0),
		AppHash:          os.Getenv("TELEGRAM_API_HASH"),
		Phone:            os.Getenv("TELEGRAM_PHONE"),
		Password:         os.Getenv("TELEGRAM_PASSWORD"),
		ChatID:           util.ParseIntEnv("GROUP_CHAT_ID", 0),
		FallbackUsername: os.Getenv("FALLBACK_USERNAME"),
		Keywords:         os.Getenv("KEYWORDS"),
		SheetID:          os.Getenv("GOOGLE_SHEET_ID"),
		CredentialsPath:  os.Getenv("GOOGLE_CREDENTIALS_PATH"),
		SheetGID:         util.ParseIntEnv("GOOGLE_SHEET_GID", 0),
		SheetName:        os.Getenv("GOOGLE_SHEET_NAME"),
		AimlAPIKey:       os.Getenv("AIMLAPI_KEY"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("PRICEBOT_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		DrainTimeout:     util.ParseDurationEnv("DRAIN_TIMEOUT", DefaultDrainTimeout),
		LogRetentionDays: util.ParseIntEnv("LOG_RETENTION_DAYS", eventlog.DefaultRetentionDays),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PRICEBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Default to SQLite in the state directory when no database URL is given
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"TELEGRAM_API_ID_SET", config.AppID != 0,
		"TELEGRAM_API_HASH_SET", config.AppHash != "",
		"TELEGRAM_PHONE_SET", config.Phone != "",
		"GROUP_CHAT_ID", config.ChatID,
		"GOOGLE_SHEET_ID_SET", config.SheetID != "",
		"AIMLAPI_KEY_SET", config.AimlAPIKey != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PRICEBOT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"DRAIN_TIMEOUT", config.DrainTimeout)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for session and database files (overrides $PRICEBOT_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "directory database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "control API listen address (overrides $API_ADDR)"),
		aimlKey:      flag.String("aiml-api-key", config.AimlAPIKey, "AIML API key for classification (overrides $AIMLAPI_KEY)"),
		keywords:     flag.String("keywords", config.Keywords, "comma-separated eligibility keywords, empty keeps the built-in list (overrides $KEYWORDS)"),
		sheetID:      flag.String("sheet-id", config.SheetID, "Google Sheets spreadsheet id (overrides $GOOGLE_SHEET_ID)"),
		credentials:  flag.String("credentials", config.CredentialsPath, "Google service account credentials path (overrides $GOOGLE_CREDENTIALS_PATH)"),
		drainTimeout: flag.Duration("drain-timeout", config.DrainTimeout, "how long shutdown waits for in-flight replies (overrides $DRAIN_TIMEOUT)"),
	}

	flag.Parse()

	// Follow the state directory for the default SQLite path
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated db DSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// validateConfig checks the settings without which the bot cannot start.
func validateConfig(config Config, flags Flags) error {
	var missing []string
	if config.AppID == 0 {
		missing = append(missing, "TELEGRAM_API_ID")
	}
	if config.AppHash == "" {
		missing = append(missing, "TELEGRAM_API_HASH")
	}
	if config.Phone == "" {
		missing = append(missing, "TELEGRAM_PHONE")
	}
	if config.ChatID == 0 {
		missing = append(missing, "GROUP_CHAT_ID")
	}
	if *flags.sheetID == "" {
		missing = append(missing, "GOOGLE_SHEET_ID")
	}
	if *flags.credentials == "" {
		missing = append(missing, "GOOGLE_CREDENTIALS_PATH")
	}
	if *flags.aimlKey == "" {
		missing = append(missing, "AIMLAPI_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// buildSheetsOptions constructs price sheet configuration options
func buildSheetsOptions(config Config) []sheets.Option {
	var opts []sheets.Option
	if config.SheetName != "" {
		opts = append(opts, sheets.WithSheetName(config.SheetName))
	} else if config.SheetGID != 0 {
		opts = append(opts, sheets.WithSheetGID(config.SheetGID))
	}
	return opts
}

// buildTelegramOptions constructs Telegram client configuration options
func buildTelegramOptions(config Config, flags Flags) []telegram.Option {
	opts := []telegram.Option{
		telegram.WithAuth(int(config.AppID), config.AppHash),
		telegram.WithPhone(config.Phone),
		telegram.WithChatID(config.ChatID),
		telegram.WithSessionPath(filepath.Join(*flags.stateDir, DefaultSessionFileName)),
	}
	if config.Password != "" {
		opts = append(opts, telegram.WithPassword(config.Password))
	}
	return opts
}

// buildDispatcherOptions constructs pipeline configuration options
func buildDispatcherOptions(config Config, flags Flags, selfID int64) []handler.Option {
	opts := []handler.Option{handler.WithSelfID(selfID)}
	if config.FallbackUsername != "" {
		opts = append(opts, handler.WithFallbackRecipient(config.FallbackUsername))
	}
	if keywords := util.SplitList(*flags.keywords); len(keywords) > 0 {
		opts = append(opts, handler.WithKeywords(keywords))
	}
	return opts
}

// buildAPIOptions constructs control server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}

// terminalCodePrompt asks for the Telegram login code on stdin during the
// first authentication; subsequent starts reuse the session file.
func terminalCodePrompt(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	fmt.Print("Enter the Telegram login code: ")
	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return "", fmt.Errorf("failed to read login code: %w", err)
	}
	return strings.TrimSpace(code), nil
}

func run(config Config, flags Flags) error {
	if err := validateConfig(config, flags); err != nil {
		return err
	}

	// One instance per session file: a second MTProto client on the same
	// session invalidates it.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	// Switch logging to stdout plus daily files now that the state dir exists
	logWriter, err := eventlog.Setup(filepath.Join(*flags.stateDir, DefaultLogSubdir), slog.LevelDebug)
	if err != nil {
		return fmt.Errorf("failed to set up event log: %w", err)
	}
	defer logWriter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := logWriter.StartRetention(sched, int(config.LogRetentionDays)); err != nil {
		return fmt.Errorf("failed to schedule log retention: %w", err)
	}

	directory, err := store.NewDirectory(store.WithDSN(*flags.dbDSN))
	if err != nil {
		return fmt.Errorf("failed to open participant directory: %w", err)
	}
	defer directory.Close()
	if err := sched.AddJob(directoryCleanupSchedule, func() {
		if removed, err := directory.CleanupStale(context.Background(), store.DefaultStaleAfter); err != nil {
			slog.Error("Directory cleanup failed", "error", err)
		} else if removed > 0 {
			slog.Info("Directory cleanup removed stale records", "removed", removed)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule directory cleanup: %w", err)
	}

	priceSheet, err := sheets.NewClient(ctx, *flags.sheetID, *flags.credentials, buildSheetsOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to create price sheet client: %w", err)
	}

	cls, err := classifier.NewClient(classifier.WithAPIKey(*flags.aimlKey))
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	tgClient, err := telegram.NewClient(buildTelegramOptions(config, flags)...)
	if err != nil {
		return fmt.Errorf("failed to create telegram client: %w", err)
	}
	slog.Info("Connecting to Telegram", "chat_id", config.ChatID)
	if err := tgClient.Start(ctx, auth.CodeAuthenticatorFunc(terminalCodePrompt)); err != nil {
		return fmt.Errorf("failed to start telegram client: %w", err)
	}
	defer tgClient.Stop()

	// Processing starts disabled; the control API toggles it on.
	g := gate.New()

	dispatcher := handler.NewDispatcher(g, cls, priceSheet, directory, tgClient,
		buildDispatcherOptions(config, flags, tgClient.SelfID())...)

	health := monitor.NewConnectionHealth()
	health.SetConnected(true)
	seen := monitor.NewSeenSet()
	poller := monitor.NewPoller(tgClient, dispatcher, directory, seen, health)
	heartbeat := monitor.NewHeartbeat(tgClient, health, poller)
	poller.Start(ctx)
	heartbeat.Start(ctx)

	server := api.NewServer(g, health, directory, buildAPIOptions(flags)...)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	slog.Info("Pricebot is running", "self_id", tgClient.SelfID(), "drain_timeout", *flags.drainTimeout)
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("Control API failed", "error", err)
		}
	}

	heartbeat.Stop()
	poller.Stop()
	dispatcher.Drain(*flags.drainTimeout)
	return nil
}
