// flowgate - challenge token gateway and account balancer
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/flowgate/internal/account"
	"github.com/ashureev/flowgate/internal/api"
	"github.com/ashureev/flowgate/internal/challenge"
	"github.com/ashureev/flowgate/internal/config"
	"github.com/ashureev/flowgate/internal/container"
	"github.com/ashureev/flowgate/internal/domain"
	"github.com/ashureev/flowgate/internal/healthrpc"
	"github.com/ashureev/flowgate/internal/middleware"
	"github.com/ashureev/flowgate/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const statsPushInterval = 2 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "launcher", cfg.Browser.Launcher)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, domain.ChallengeConfig{
		WorkerCount: cfg.Captcha.WorkerCount,
		SiteKey:     cfg.Captcha.SiteKey,
		Action:      cfg.Captcha.Action,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	launcher, err := newLauncher(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to initialize browser launcher", "error", err)
		os.Exit(1)
	}

	pool, err := challenge.NewPool(context.Background(), repo, launcher, challenge.PoolOptions{
		DataDir:          cfg.Browser.DataDir,
		DisabledByPolicy: cfg.AutomationDisabledByPolicy(),
		Worker: challenge.WorkerOptions{
			BaseURL:  cfg.Captcha.BaseURL,
			Timeouts: challenge.DefaultTimeouts(),
		},
	})
	if err != nil {
		slog.Error("Failed to initialize challenge pool", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := pool.Close(); closeErr != nil {
			slog.Error("Failed to close challenge pool", "error", closeErr)
		}
	}()
	if err := pool.Available(context.Background()); err != nil {
		slog.Warn("Challenge automation unavailable", "error", err)
	}

	accounts := account.NewManager(repo)
	balancer := account.NewBalancer(accounts, accounts)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, pool, balancer)
	healthHandler := api.NewHealthHandler(baseHandler, launcher.Name())
	captchaHandler := api.NewCaptchaHandler(baseHandler, cfg.Captcha.WaitTimeout)
	accountHandler := api.NewAccountHandler(baseHandler, accounts)
	hub := api.NewStreamHub()
	origins := middleware.AllowedOrigins(cfg.FrontendURL)
	statsStream := api.NewStatsStream(baseHandler, hub, origins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Operator routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminKey(cfg.AdminAPIKey))
		captchaHandler.RegisterRoutes(r)
		accountHandler.RegisterRoutes(r)
		r.Get("/ws/stats", statsStream.ServeHTTP)
	})
	if cfg.AdminAPIKey == "" {
		slog.Warn("ADMIN_API_KEY not set, operator routes are unauthenticated")
	}

	// Token requests can wait up to TOKEN_WAIT_TIMEOUT for a worker, so the
	// write timeout leaves headroom beyond it.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Captcha.WaitTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	challenge.StartSweeper(ctx, pool, cfg.Browser.SweepInterval)
	go hub.Run(ctx, statsPushInterval, statsStream.Snapshot)

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		go func() {
			if err := healthrpc.NewServer(pool.Available, 30*time.Second).Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newLauncher builds the configured browser backend.
func newLauncher(ctx context.Context, cfg *config.Config) (challenge.Launcher, error) {
	if cfg.Browser.Launcher != config.LauncherDocker {
		return challenge.NewLocalLauncher(cfg.Browser.Path, cfg.Browser.Headless), nil
	}

	mgr, err := container.NewDockerManager(cfg.Browser.Runtime)
	if err != nil {
		return nil, err
	}
	slog.Info("Container manager initialized")

	networkID, err := mgr.EnsureNetwork(ctx, cfg.Browser.Network)
	if err != nil {
		return nil, err
	}
	slog.Info("Browser network ready", "network", cfg.Browser.Network, "network_id", networkID)

	return challenge.NewDockerLauncher(mgr, cfg.Browser.Image, cfg.Browser.Network), nil
}
