// Package main runs the RemoteWiz gateway: one binary hosting the task
// store, the scheduler, the Agent CLI supervisor, and the HTTP/WebSocket
// surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/adapters"
	"github.com/remotewiz/remotewiz/internal/agent"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/db"
	"github.com/remotewiz/remotewiz/internal/engine"
	"github.com/remotewiz/remotewiz/internal/events/bus"
	"github.com/remotewiz/remotewiz/internal/gateway"
	"github.com/remotewiz/remotewiz/internal/store"
	"github.com/remotewiz/remotewiz/internal/summary"
	"github.com/remotewiz/remotewiz/internal/transport/httpapi"
	"github.com/remotewiz/remotewiz/internal/uploads"
)

// uploadSweepEvery spaces out the expired-upload-reference sweep.
const uploadSweepEvery = time.Hour

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting RemoteWiz...")

	// 3. Root context, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS when configured)
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Events.NATSURL))
		natsBus, err := bus.NewNATSEventBus(cfg.Events.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// ============================================
	// STORAGE
	// ============================================
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	st, err := store.New(conn, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	// ============================================
	// PROJECTS
	// ============================================
	projects, err := config.LoadProjects(cfg.Projects.File)
	if err != nil {
		log.Fatal("Failed to load projects", zap.Error(err), zap.String("file", cfg.Projects.File))
	}
	log.Info("Projects loaded", zap.Int("count", len(projects)))

	// ============================================
	// ENGINE
	// ============================================
	registry := adapters.NewRegistry()
	dispatcher := adapters.NewDispatcher(registry, eventBus, log)
	runner := agent.NewRunner(cfg, log)
	eng := engine.New(cfg, st, runner, projects, dispatcher, summary.NewDigest(), log)

	// ============================================
	// UPLOADS
	// ============================================
	uploadMgr, err := uploads.NewManager(cfg, st, log)
	if err != nil {
		log.Fatal("Failed to initialize upload manager", zap.Error(err))
	}

	// ============================================
	// HTTP / WEBSOCKET SURFACE
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	gw := gateway.New(cfg, st, eng, projects, uploadMgr, dispatcher, log)
	server, err := httpapi.NewServer(cfg, gw, registry, eventBus, log)
	if err != nil {
		log.Fatal("Failed to build HTTP server", zap.Error(err))
	}

	// The web adapter is registered now, so updates emitted during crash
	// recovery reach the hub instead of being dropped.
	if err := eng.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}
	srvErr := server.Start()

	go sweepUploads(ctx, uploadMgr, log)

	log.Info("RemoteWiz ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("websocket", "/api/v1/ws"),
		zap.String("agent_binary", runner.Binary()),
		zap.Int("projects", len(projects)))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down...", zap.String("signal", sig.String()))
	case err := <-srvErr:
		log.Error("HTTP server failed", zap.Error(err))
	}
	cancel()

	// The grace period covers in-flight tasks; the extra margin lets the
	// HTTP listener drain after the engine gives up.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.ShutdownGrace()+10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	eng.Stop(shutdownCtx)

	log.Info("RemoteWiz stopped")
}

// sweepUploads periodically deletes upload files whose references expired
// without ever being consumed.
func sweepUploads(ctx context.Context, mgr *uploads.Manager, log *logger.Logger) {
	ticker := time.NewTicker(uploadSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := mgr.SweepExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("expired upload sweep failed")
				continue
			}
			if n > 0 {
				log.Info("removed expired uploads", zap.Int("count", n))
			}
		}
	}
}
