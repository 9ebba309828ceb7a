package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alextreichler/tradepost/internal/affiliate"
	"github.com/alextreichler/tradepost/internal/catalog"
	"github.com/alextreichler/tradepost/internal/config"
	"github.com/alextreichler/tradepost/internal/deliverable"
	"github.com/alextreichler/tradepost/internal/handlers"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/orders"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/gorilla/sessions"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Using TextHandler for console readability
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// 2. Init storage
	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// 3. Session Setup
	sessionStore := sessions.NewCookieStore(cfg.SessionKey)
	sessionStore.Options.HttpOnly = true
	sessionStore.Options.Secure = cfg.CookieSecure
	sessionStore.Options.SameSite = http.SameSiteLaxMode
	sessionStore.Options.Path = "/"
	sessionStore.Options.MaxAge = 86400 * 30
	if cfg.CookieDomain != "" {
		sessionStore.Options.Domain = cfg.CookieDomain
	}

	// 4. Core services
	verifier, err := identity.NewCredentialVerifier(cfg.PasswordHasher)
	if err != nil {
		slog.Error("Failed to configure password hasher", "error", err)
		os.Exit(1)
	}
	ledger := affiliate.NewLedger(repo, repo, repo)
	identitySvc := identity.NewService(repo, repo, verifier, ledger)
	registry := catalog.NewRegistry(repo, repo, cfg.UploadDir)
	allocator := deliverable.NewAllocator(repo)
	orderSvc := orders.NewService(repo, repo, allocator, ledger)

	scheduler, err := orders.NewBillingScheduler(orderSvc, cfg.BillingSchedule)
	if err != nil {
		slog.Error("Invalid BILLING_SCHEDULE", "schedule", cfg.BillingSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	// 5. Routes
	api := &handlers.API{
		Identity:     identitySvc,
		Catalog:      registry,
		Orders:       orderSvc,
		Ledger:       ledger,
		SessionStore: sessionStore,
	}
	rateLimiter := handlers.NewRateLimiter(2 * time.Second)
	defer rateLimiter.Stop()

	mux := api.Routes(rateLimiter)
	uploads := http.FileServer(http.Dir(cfg.UploadDir))
	mux.Handle("GET /static/uploads/", http.StripPrefix("/static/uploads", uploads))

	// 6. Middleware Setup
	// Chain: Logger -> Security Headers -> CSRF -> Mux
	csrfMiddleware := handlers.CSRFMiddleware(cfg.CSRFKey, cfg.CookieSecure,
		[]string{"localhost:" + cfg.Port, "127.0.0.1:" + cfg.Port, "localhost", "127.0.0.1"})
	handler := handlers.LoggingMiddleware(
		handlers.SecurityHeadersMiddleware(
			csrfMiddleware(mux),
		),
	)

	// 7. Start Server with Graceful Shutdown
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Server starting", "port", cfg.Port, "storage", cfg.Storage)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to listen and serve", "error", err)
			os.Exit(1)
		}
	}()

	<-stop

	slog.Info("Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	scheduler.Stop()

	slog.Info("Server exited gracefully.")
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	if cfg.Storage == "memory" {
		slog.Warn("Using in-memory storage; all data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLStore(cfg.DBPath)
}
