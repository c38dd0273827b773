// wabridge - chat session to AI auto-reply bridge
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/wabridge/internal/ai"
	"github.com/ashureev/wabridge/internal/api"
	"github.com/ashureev/wabridge/internal/bridge"
	"github.com/ashureev/wabridge/internal/config"
	"github.com/ashureev/wabridge/internal/dedup"
	"github.com/ashureev/wabridge/internal/events"
	"github.com/ashureev/wabridge/internal/gateway"
	"github.com/ashureev/wabridge/internal/health"
	"github.com/ashureev/wabridge/internal/middleware"
	"github.com/ashureev/wabridge/internal/prompt"
	"github.com/ashureev/wabridge/internal/queue"
	"github.com/ashureev/wabridge/internal/session"
	"github.com/ashureev/wabridge/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "gateway", cfg.Gateway.URL, "ai_provider", cfg.AI.Provider)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	profile := prompt.DefaultProfile()
	if cfg.Bridge.PromptProfile != "" {
		profile, err = prompt.LoadProfile(cfg.Bridge.PromptProfile)
		if err != nil {
			return err
		}
		slog.Info("Prompt profile loaded", "path", cfg.Bridge.PromptProfile)
	}
	if cfg.Bridge.ContextHistory > 0 {
		profile.HistoryLimit = cfg.Bridge.ContextHistory
	}

	bus := events.NewBus()
	defer bus.Close()

	gw := gateway.New(gateway.Config{
		URL:            cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		DialTimeout:    cfg.Gateway.DialTimeout,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		Logger:         logger.With("component", "gateway"),
	})
	defer func() { _ = gw.Close() }()

	mgr := session.NewManager(gw, bus, session.Options{
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Session.ReconnectDelay,
		Logger:               logger.With("component", "session"),
	})

	models := buildModels(ctx, cfg, repo)
	var gen queue.Generator = ai.Unconfigured{}
	var modelSvc api.ModelService
	if models != nil {
		gen = models
		modelSvc = models
	}

	q := queue.New(gen, queue.Options{
		MinInterval:    cfg.AI.MinInterval,
		RequestTimeout: cfg.AI.RequestTimeout,
		Profile:        profile,
		Logger:         logger.With("component", "queue"),
	})

	orch := bridge.NewOrchestrator(bridge.Deps{
		Repo:      repo,
		Dedup:     dedup.New(cfg.Bridge.DedupCapacity),
		Queue:     q,
		Sender:    mgr,
		Publisher: bus,
	}, bridge.Options{
		AutoReply:    cfg.Bridge.AutoReply,
		MaxAge:       cfg.Bridge.MessageMaxAge,
		HistoryLimit: cfg.Bridge.ContextHistory,
		Profile:      profile,
		Logger:       logger.With("component", "bridge"),
	})
	if err := orch.LoadSettings(ctx); err != nil {
		return err
	}

	// Initialize handlers.
	base := api.NewHandler(repo, mgr, orch, modelSvc)
	healthHandler := api.NewHealthHandler(base, q)
	eventsHandler := api.NewEventStreamHandler(bus, mgr, orch, cfg.CORSOrigins)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	api.NewWhatsAppHandler(base).RegisterRoutes(r)
	api.NewMessageHandler(base).RegisterRoutes(r)
	api.NewAIHandler(base, profile, q).RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", eventsHandler.ServeHTTP)

	// Note: event websockets are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Bind the health listener before starting anything that needs a Wait.
	var healthLis net.Listener
	if cfg.GRPCHealthAddr != "" {
		healthLis, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen grpc health on %s: %w", cfg.GRPCHealthAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error {
		err := orch.Run(gctx, mgr.Inbound())
		orch.Wait()
		return err
	})

	statusEvents, cancelStatus := bus.Subscribe(32)
	defer cancelStatus()
	g.Go(func() error {
		return bridge.RecordSessionStatus(gctx, repo, statusEvents, logger.With("component", "status"))
	})

	if healthLis != nil {
		hs := health.NewServer(logger.With("component", "grpc-health"))
		healthEvents, cancelHealth := bus.Subscribe(32)
		defer cancelHealth()

		g.Go(func() error { return hs.Track(gctx, healthEvents) })
		g.Go(func() error { return hs.Serve(healthLis) })
		g.Go(func() error {
			<-gctx.Done()
			hs.Stop()
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.Close()
		return srv.Shutdown(shutdownCtx)
	})

	// Start the session the way an operator would.
	g.Go(func() error {
		if err := mgr.Connect(gctx); err != nil {
			slog.Warn("Initial connect failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// buildModels returns the switchable provider, or nil when AI is disabled or
// the provider cannot be built.
func buildModels(ctx context.Context, cfg *config.Config, repo store.Repository) *ai.Switchable {
	if !cfg.AIEnabled() {
		slog.Info("AI features disabled (AI_API_KEY not set), replies will use fallback text")
		return nil
	}

	aiCfg := ai.Config{
		Provider:    cfg.AI.Provider,
		Model:       cfg.AI.Model,
		APIKey:      cfg.AI.APIKey,
		BaseURL:     cfg.AI.BaseURL,
		Region:      cfg.AI.Region,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
	}
	if stored, ok, err := repo.GetSetting(ctx, store.SettingAIModel); err != nil {
		slog.Warn("Failed to read stored model setting", "error", err)
	} else if ok && stored != "" {
		aiCfg.Model = stored
	}

	models, err := ai.NewSwitchable(ctx, aiCfg, nil)
	if err != nil {
		slog.Warn("Failed to initialize AI provider, AI features will be disabled", "error", err)
		return nil
	}
	slog.Info("AI provider initialized", "provider", aiCfg.Provider, "model", models.Model())
	return models
}
