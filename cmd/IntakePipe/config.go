package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/messaging"
	"github.com/BTreeMap/IntakePipe/internal/registration"
	"github.com/BTreeMap/IntakePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakePipe state data
	DefaultStateDir = "/var/lib/intakepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "intakepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
)

// Transports selectable with MESSAGING_TRANSPORT.
const (
	TransportNone     = "none"
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config holds the resolved process configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	RedisURL    string
	SessionTTL  time.Duration
	APIAddr     string
	LogLevel    string

	RegistrationURL     string
	RegistrationTimeout time.Duration
	KeyStyle            string
	SubmissionRetry     bool

	Language        string
	Transport       string
	TurnConcurrency int

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	WhatsAppDSN  string
	QRCodeOutput string
	NumericCode  bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadEnvironmentConfig: no .env file loaded", "error", err)
	}

	registrationURL := os.Getenv("REGISTRATION_API_URL")
	if registrationURL == "" {
		registrationURL = os.Getenv("API_URL")
	}

	cfg := Config{
		StateDir:    envOr("INTAKEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		SessionTTL:  util.ParseDurationEnv("SESSION_TTL", 0),
		APIAddr:     envOr("API_ADDR", ":8080"),
		LogLevel:    envOr("LOG_LEVEL", "info"),

		RegistrationURL:     registrationURL,
		RegistrationTimeout: util.ParseDurationEnv("REGISTRATION_TIMEOUT", registration.DefaultTimeout),
		KeyStyle:            envOr("REGISTRATION_KEY_STYLE", string(registration.KeyStyleStandard)),
		SubmissionRetry:     util.ParseBoolEnv("SUBMISSION_RETRY", true),

		Language:        envOr("BOT_LANGUAGE", string(flow.DefaultLanguage)),
		Transport:       envOr("MESSAGING_TRANSPORT", TransportNone),
		TurnConcurrency: util.ParseIntEnv("TURN_CONCURRENCY", messaging.DefaultTurnConcurrency),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
	}

	slog.Debug("loadEnvironmentConfig: environment loaded",
		"INTAKEPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"REDIS_URL_SET", cfg.RedisURL != "",
		"REGISTRATION_API_URL_SET", cfg.RegistrationURL != "",
		"MESSAGING_TRANSPORT", cfg.Transport,
		"BOT_LANGUAGE", cfg.Language)
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// bindFlags registers flags whose defaults come from cfg, so flags override
// the environment.
func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for IntakePipe data (overrides $INTAKEPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "Postgres DSN, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "keep sessions in Redis (overrides $REDIS_URL)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "expire idle Redis sessions, 0 keeps them (overrides $SESSION_TTL)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.RegistrationURL, "registration-url", cfg.RegistrationURL, "base URL of the registration API (overrides $REGISTRATION_API_URL)")
	fs.DurationVar(&cfg.RegistrationTimeout, "registration-timeout", cfg.RegistrationTimeout, "per-call registration timeout (overrides $REGISTRATION_TIMEOUT)")
	fs.StringVar(&cfg.KeyStyle, "key-style", cfg.KeyStyle, "registration wire keys: standard or german (overrides $REGISTRATION_KEY_STYLE)")
	fs.BoolVar(&cfg.SubmissionRetry, "submission-retry", cfg.SubmissionRetry, "queue failed submissions for retry (overrides $SUBMISSION_RETRY)")
	fs.StringVar(&cfg.Language, "language", cfg.Language, "bot language: de or en (overrides $BOT_LANGUAGE)")
}

// bindServeFlags registers the flags only serve understands.
func bindServeFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "messaging transport: none, whatsapp or twilio (overrides $MESSAGING_TRANSPORT)")
	fs.IntVar(&cfg.TurnConcurrency, "turn-concurrency", cfg.TurnConcurrency, "conversations processed in parallel (overrides $TURN_CONCURRENCY)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow device database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.QRCodeOutput, "qr-output", cfg.QRCodeOutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "print the raw WhatsApp login code instead of a QR code")
}

// resolve fills defaults that depend on other settings and checks values.
func (c *Config) resolve() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "", TransportNone:
		c.Transport = TransportNone
	case TransportWhatsApp, TransportTwilio:
	default:
		return fmt.Errorf("unknown messaging transport %q", c.Transport)
	}
	if _, err := registration.ParseKeyStyle(c.KeyStyle); err != nil {
		return err
	}
	if _, err := flow.CatalogFor(flow.Language(c.Language)); err != nil {
		return err
	}
	if c.TurnConcurrency <= 0 {
		c.TurnConcurrency = messaging.DefaultTurnConcurrency
	}
	return nil
}

// usesMemoryStore reports whether DATABASE_URL selects the in-memory store.
func (c *Config) usesMemoryStore() bool {
	return strings.EqualFold(c.DatabaseURL, MemoryDSN)
}

// initializeLogger installs the process-wide text logger.
func initializeLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
