package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/zombor/receipt-ledger/internal/config"
	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/ticket"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var usage *config.UsageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "%s\n", usage.Usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Initializing status store...", "backend", cfg.Store)
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	slog.Info("Initializing archive...", "path", cfg.ArchiveDir)
	archive, err := receipt.NewLocalArchive(cfg.ArchiveDir)
	if err != nil {
		return fmt.Errorf("initializing archive: %w", err)
	}

	slog.Info("Initializing ledger...", "folder", cfg.DriveFolderID)
	sink, err := ledger.NewSheets(ctx, cfg.DriveFolderID, ledger.DefaultSchema, googleOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}

	decoder, err := openDecoder(ctx, cfg)
	if err != nil {
		return err
	}
	if decoder != nil {
		defer decoder.Close()
	}

	fetcher := ticket.NewClient(ticket.Config{
		BaseURL:      cfg.NalogURL,
		INN:          cfg.NalogINN,
		Password:     cfg.NalogPassword,
		ClientSecret: cfg.NalogClientSecret,
		Timeout:      cfg.FetchTimeout,
	})

	deps := receipt.Dependencies{
		Store:    store,
		Fetcher:  fetcher,
		Sink:     sink,
		Archive:  archive,
		Decoder:  decoder,
		Notifier: openNotifier(cfg),
	}

	service := receipt.NewService(deps, receipt.Options{
		FetchTimeout: cfg.FetchTimeout,
		SinkTimeout:  cfg.SinkTimeout,
		ClaimLease:   cfg.ClaimLease,
	})
	recovery := receipt.NewRecovery(service, receipt.RecoveryOptions{
		Hour:        cfg.SweepHour,
		Concurrency: cfg.SweepConcurrency,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
	})

	basicAuth := receipt.BasicAuth{
		Username: cfg.AuthUser,
		Password: cfg.AuthPass,
	}
	server := receipt.NewServer(service, recovery, basicAuth)
	if cfg.AuthUser != "" || cfg.AuthPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.AuthUser)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx, fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		recovery.Start(ctx)
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (receipt.StatusStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := receipt.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return store, nil
	default:
		store, err := receipt.NewBoltDB(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("initializing database: %w", err)
		}
		return store, nil
	}
}

func googleOptions(cfg *config.Config) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithScopes(sheets.SpreadsheetsScope, drive.DriveScope),
	}
	if cfg.GoogleCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentials))
	}
	if cfg.GoogleEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.GoogleEndpoint))
	}
	return opts
}

func openDecoder(ctx context.Context, cfg *config.Config) (scanning.Decoder, error) {
	switch cfg.Scanner {
	case config.ScannerGemini:
		slog.Info("Initializing Gemini decoder...", "model", cfg.GeminiModel)
		decoder, err := scanning.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return scanning.NewQRCode(decoder), nil
	case config.ScannerOllama:
		slog.Info("Initializing Ollama decoder...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		decoder, err := scanning.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		return scanning.NewQRCode(decoder), nil
	case config.ScannerQRCode:
		slog.Info("Photo decoding uses the QR detector only")
		return scanning.NewQRCode(nil), nil
	default:
		slog.Info("Photo decoding disabled")
		return nil, nil
	}
}

func openNotifier(cfg *config.Config) notify.Notifier {
	if cfg.TelegramToken == "" {
		slog.Info("Telegram token not set, notifications go to the log")
		return notify.Log{}
	}
	return notify.NewTelegram(cfg.TelegramURL, cfg.TelegramToken, map[notify.Channel]int64{
		notify.Operator: cfg.AdminChatID,
		notify.Users:    cfg.FamilyChatID,
		notify.Errors:   cfg.LoggerChatID,
	})
}
