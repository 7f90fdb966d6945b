// Package httpapi is the built-in HTTP and WebSocket surface. It exposes
// the gateway as REST endpoints, registers itself as the "web" adapter,
// and pushes task updates and approval prompts to WebSocket clients.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/adapters"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/events/bus"
	"github.com/remotewiz/remotewiz/internal/gateway"
)

// Server owns the listener, the router and the WebSocket hub.
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	hub      *Hub
	eventBus bus.EventBus
	httpSrv  *http.Server
	log      *logger.Logger

	busSub    bus.Subscription
	hubCancel context.CancelFunc
}

// NewServer builds the router and registers the web adapter. The engine
// starts delivering updates here as soon as the registry knows the tag,
// so construct the server before the first task can complete.
func NewServer(cfg *config.Config, gw *gateway.Gateway, registry *adapters.Registry,
	eventBus bus.EventBus, log *logger.Logger) (*Server, error) {
	hub := NewHub(log)
	if err := registry.Register(NewWebAdapter(hub)); err != nil {
		return nil, fmt.Errorf("failed to register web adapter: %w", err)
	}

	handler := NewHandler(gw, hub, cfg, log)

	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS())

	api := router.Group("/api/v1")
	api.GET("/health", handler.Health)
	if cfg.Server.AuthToken != "" {
		api.Use(BearerAuth(cfg.Server.AuthToken))
	}

	api.POST("/tasks", handler.CreateTask)
	api.GET("/tasks/:id", handler.GetTask)
	api.POST("/tasks/:id/cancel", handler.CancelTask)
	api.GET("/queue", handler.GetQueue)
	api.GET("/projects", handler.GetProjects)
	api.GET("/projects/:alias/tasks", handler.GetProjectTasks)
	api.POST("/projects/:alias/uploads", handler.UploadFile)
	api.POST("/threads/:id/binding", handler.BindThread)
	api.GET("/threads/:id/binding", handler.GetBinding)
	api.GET("/threads/:id/tasks", handler.GetThreadTasks)
	api.POST("/approvals/:id", handler.ResolveApproval)
	api.GET("/audit", handler.GetAudit)
	api.GET("/budget", handler.GetBudget)
	api.GET("/ws", handler.ServeWS)

	return &Server{
		cfg:      cfg,
		router:   router,
		hub:      hub,
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "http-server")),
		httpSrv: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
			// No global read/write timeouts: WebSocket connections are
			// long-lived. The header timeout still fends off slowloris.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start launches the hub and the listener. The returned channel yields at
// most one error, a listener failure.
func (s *Server) Start() <-chan error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)
	s.busSub = BridgeBusEvents(s.eventBus, s.hub, s.log)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Stop drains the listener, then tears down the WebSocket clients.
// Shutdown does not touch hijacked connections, so the hub cancel is what
// actually closes them.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	if s.busSub != nil && s.busSub.IsValid() {
		_ = s.busSub.Unsubscribe()
	}
	if s.hubCancel != nil {
		s.hubCancel()
	}
	return err
}
