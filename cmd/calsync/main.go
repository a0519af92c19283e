package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/config"
	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/embedding"
	"github.com/dukerupert/calsync/internal/google"
	"github.com/dukerupert/calsync/internal/handler"
	"github.com/dukerupert/calsync/internal/logging"
	"github.com/dukerupert/calsync/internal/reconcile"
	"github.com/dukerupert/calsync/internal/scheduler"
	"github.com/dukerupert/calsync/internal/secret"
	"github.com/dukerupert/calsync/internal/server"
	"github.com/dukerupert/calsync/internal/store"
	"github.com/dukerupert/calsync/internal/watch"
	"github.com/dukerupert/calsync/internal/webhook"
	ws "github.com/dukerupert/calsync/internal/websocket"
)

const usage = `usage:
  calsync                         run the server
  calsync user -email E [-name N] create a user and print its id
  calsync token -user ID [-ttl D] issue an API token
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "":
		err = serve(cfg, logger)
	case "user":
		err = createUser(cfg, os.Args[2:])
	case "token":
		err = issueToken(cfg, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("fatal", "cmd", cmd, "error", err)
		os.Exit(1)
	}
}

func createUser(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	email := fs.String("email", "", "user email")
	name := fs.String("name", "", "display name")
	fs.Parse(args)
	if *email == "" {
		return errors.New("-email is required")
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := store.NewUserStore(db).Create(context.Background(), *email, *name)
	if err != nil {
		return err
	}
	fmt.Println(u.ID)
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.Int64("user", 0, "user id")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	fs.Parse(args)
	if *userID <= 0 {
		return errors.New("-user is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("CALSYNC_JWT_SECRET is not set")
	}

	tok, err := auth.IssueToken([]byte(cfg.JWTSecret), *userID, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sealer, err := secret.NewSealer(cfg.SealKey)
	if err != nil {
		return err
	}

	eventStore := store.NewEventStore(db)
	cursorStore := store.NewCursorStore(db)
	credStore := store.NewCredentialStore(db, sealer)
	watchStore := store.NewWatchStore(db)
	runStore := store.NewRunStore(db)

	hub := ws.NewHub(logger.With("component", "websocket"))

	var clientOpts []google.Option
	if cfg.Google.APIEndpoint != "" {
		clientOpts = append(clientOpts, google.WithEndpoint(cfg.Google.APIEndpoint))
	}
	client := google.NewClient(clientOpts...)
	refresher := google.NewOAuthRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenURL, nil)

	walkerOpts := []reconcile.WalkerOption{
		reconcile.WithNotifier(hub),
		reconcile.WithCallTimeout(cfg.Sync.CallTimeout),
	}

	var (
		enricher *embedding.Enricher
		searcher handler.Searcher
		enrich   reconcile.Enricher
	)
	if cfg.EmbeddingsEnabled() {
		embedder := embedding.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
		enricher = embedding.NewEnricher(embedder, eventStore, cfg.OpenAI.Concurrency, logger.With("component", "embedding"))
		searcher = embedding.NewSearcher(embedder, eventStore)
		enrich = enricher
		walkerOpts = append(walkerOpts, reconcile.WithEnricher(enricher))
	} else {
		logger.Info("embeddings disabled, no api key configured")
	}

	walker := reconcile.NewWalker(client, cursorStore, reconcile.NewWriter(eventStore), logger.With("component", "walker"), walkerOpts...)
	svc := reconcile.NewService(walker, credStore, refresher, runStore, watchStore, cfg.Sync.MaxCredentialFailures, logger.With("component", "sync"))
	dispatcher := webhook.NewDispatcher(watchStore, svc, cfg.Sync.WebhookConcurrency, logger.With("component", "webhook"))
	manager := watch.NewManager(client, watchStore, credStore, refresher, cfg.Google.WebhookURL, logger.With("component", "watch"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(scheduler.Config{
		RenewSchedule:  cfg.Sync.RenewSchedule,
		ResyncSchedule: cfg.Sync.ResyncSchedule,
		RenewWindow:    cfg.Sync.RenewWindow,
	}, manager, watchStore, svc, logger.With("component", "scheduler"))
	if cfg.Google.WebhookURL == "" {
		logger.Warn("no webhook url configured, watch subscriptions cannot be created")
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := server.New(db, sealer, server.Deps{
		Hub:        hub,
		Sync:       svc,
		Watches:    manager,
		Dispatcher: dispatcher,
		Enricher:   enrich,
		Searcher:   searcher,
	}, server.Options{
		JWTSecret:        []byte(cfg.JWTSecret),
		AllowedOrigins:   cfg.AllowedOrigins,
		WebhookRateLimit: cfg.Sync.WebhookRateLimit,
	}, logger)

	go srv.RateLimiter().RunCleanup(ctx, 5*time.Minute)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("calsync listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	sched.Stop()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook runs still in flight", "error", err)
	}
	if enricher != nil {
		enricher.Wait()
	}
	return nil
}
