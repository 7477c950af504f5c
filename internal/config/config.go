// Package config parses command line flags and RECEIPT_LEDGER_* environment
// variables into a Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

// EnvPrefix prefixes every environment variable, e.g. RECEIPT_LEDGER_PORT
const EnvPrefix = "RECEIPT_LEDGER"

// Store backends
const (
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Scanner types
const (
	ScannerGemini = "gemini"
	ScannerOllama = "ollama"
	ScannerQRCode = "qrcode"
	ScannerNone   = "none"
)

// Config is parsed once at startup and passed by value to the components
type Config struct {
	Port int

	Store       string
	DBPath      string
	DatabaseURL string
	ArchiveDir  string

	NalogURL          string
	NalogINN          string
	NalogPassword     string
	NalogClientSecret string

	GoogleCredentials string
	DriveFolderID     string
	GoogleEndpoint    string

	TelegramToken string
	TelegramURL   string
	AdminChatID   int64
	FamilyChatID  int64
	LoggerChatID  int64

	Scanner     string
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string

	AuthUser string
	AuthPass string

	SweepHour        int
	SweepConcurrency int
	FetchTimeout     time.Duration
	SinkTimeout      time.Duration
	ClaimLease       time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	MaxAttempts      int

	ShowVersion bool
}

// UsageError is returned when the arguments cannot be parsed or validated.
// Usage holds the rendered flag help.
type UsageError struct {
	Usage string
	Err   error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error { return e.Err }

// Load parses args and the environment
func Load(args []string) (*Config, error) {
	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		store       = fs.StringLong("store", StoreBolt, "Status store backend: 'bolt' or 'postgres'")
		dbPath      = fs.StringLong("db", "receipt-ledger.db", "Database file path (bolt store)")
		databaseURL = fs.StringLong("database-url", "", "Postgres connection string (postgres store)")
		archiveDir  = fs.StringLong("archive", "./tickets", "Raw ticket archive directory")

		nalogURL          = fs.StringLong("nalog-url", "", "Ticket service base URL (default: public mobile API)")
		nalogINN          = fs.StringLong("nalog-inn", "", "Ticket service login (taxpayer id)")
		nalogPassword     = fs.StringLong("nalog-password", "", "Ticket service password")
		nalogClientSecret = fs.StringLong("nalog-client-secret", "", "Ticket service client secret")

		googleCredentials = fs.StringLong("google-credentials", "", "Service account JSON file (default: application default credentials)")
		driveFolderID     = fs.StringLong("drive-folder", "", "Drive folder holding the monthly ledgers")
		googleEndpoint    = fs.StringLong("google-endpoint", "", "Override the Sheets and Drive API endpoint")

		telegramToken = fs.StringLong("telegram-token", "", "Telegram bot token (notifications are logged when empty)")
		telegramURL   = fs.StringLong("telegram-url", "", "Telegram Bot API base URL")
		adminChat     = fs.IntLong("admin-chat", 0, "Chat id receiving sweep reports with failure detail")
		familyChat    = fs.IntLong("family-chat", 0, "Chat id receiving sweep reports")
		loggerChat    = fs.IntLong("logger-chat", 0, "Chat id receiving failed import detail")

		scannerType = fs.StringLong("scanner", ScannerGemini, "Photo decoder: 'gemini', 'ollama', 'qrcode' or 'none'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")

		authUser = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass = fs.StringLong("auth-pass", "", "Basic auth password (optional)")

		sweepHour        = fs.IntLong("sweep-hour", 4, "Local hour of the daily recovery sweep")
		sweepConcurrency = fs.IntLong("sweep-concurrency", 4, "Fingerprints retried at once during a sweep")
		fetchTimeout     = fs.DurationLong("fetch-timeout", 60*time.Second, "Ticket lookup timeout")
		sinkTimeout      = fs.DurationLong("sink-timeout", 60*time.Second, "Ledger write timeout")
		claimLease       = fs.DurationLong("claim-lease", 10*time.Minute, "Age after which an unfinished import may be retaken")
		backoffBase      = fs.DurationLong("backoff-base", 12*time.Hour, "Wait after the first failed attempt")
		backoffMax       = fs.DurationLong("backoff-max", 7*24*time.Hour, "Longest wait between attempts")
		maxAttempts      = fs.IntLong("max-attempts", 10, "Attempts before a receipt needs manual review (0: unlimited)")

		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
	); err != nil {
		return nil, &UsageError{Usage: fmt.Sprintf("%s", ffhelp.Flags(fs)), Err: err}
	}

	cfg := &Config{
		Port:              *port,
		Store:             *store,
		DBPath:            *dbPath,
		DatabaseURL:       *databaseURL,
		ArchiveDir:        *archiveDir,
		NalogURL:          *nalogURL,
		NalogINN:          *nalogINN,
		NalogPassword:     *nalogPassword,
		NalogClientSecret: *nalogClientSecret,
		GoogleCredentials: *googleCredentials,
		DriveFolderID:     *driveFolderID,
		GoogleEndpoint:    *googleEndpoint,
		TelegramToken:     *telegramToken,
		TelegramURL:       *telegramURL,
		AdminChatID:       int64(*adminChat),
		FamilyChatID:      int64(*familyChat),
		LoggerChatID:      int64(*loggerChat),
		Scanner:           *scannerType,
		GeminiKey:         *geminiKey,
		GeminiModel:       *geminiModel,
		OllamaURL:         *ollamaURL,
		OllamaModel:       *ollamaModel,
		AuthUser:          *authUser,
		AuthPass:          *authPass,
		SweepHour:         *sweepHour,
		SweepConcurrency:  *sweepConcurrency,
		FetchTimeout:      *fetchTimeout,
		SinkTimeout:       *sinkTimeout,
		ClaimLease:        *claimLease,
		BackoffBase:       *backoffBase,
		BackoffMax:        *backoffMax,
		MaxAttempts:       *maxAttempts,
		ShowVersion:       *showVersion,
	}

	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return nil, &UsageError{Usage: fmt.Sprintf("%s", ffhelp.Flags(fs)), Err: err}
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	switch c.Store {
	case StoreBolt:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("--database-url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store %q (valid: bolt or postgres)", c.Store))
	}

	switch c.Scanner {
	case ScannerGemini:
		if c.GeminiKey == "" {
			errs = append(errs, errors.New("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable"))
		}
	case ScannerOllama, ScannerQRCode, ScannerNone:
	default:
		errs = append(errs, fmt.Errorf("invalid scanner %q (valid: gemini, ollama, qrcode or none)", c.Scanner))
	}

	if c.NalogINN == "" || c.NalogPassword == "" {
		errs = append(errs, errors.New("--nalog-inn and --nalog-password are required"))
	}
	if c.SweepHour < 0 || c.SweepHour > 23 {
		errs = append(errs, fmt.Errorf("--sweep-hour must be between 0 and 23, got %d", c.SweepHour))
	}
	if c.SweepConcurrency < 1 {
		errs = append(errs, errors.New("--sweep-concurrency must be at least 1"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("--max-attempts must not be negative"))
	}
	if c.ClaimLease <= c.FetchTimeout+c.SinkTimeout {
		errs = append(errs, fmt.Errorf("--claim-lease must be longer than --fetch-timeout plus --sink-timeout (%s)", c.FetchTimeout+c.SinkTimeout))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("--backoff-max must not be shorter than --backoff-base"))
	}

	return errors.Join(errs...)
}
