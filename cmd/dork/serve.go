package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/httpmw"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/events/bus"
	"github.com/dork/dork/internal/gateway/websocket"
	"github.com/dork/dork/internal/git"
	"github.com/dork/dork/internal/mcpserver"
	"github.com/dork/dork/internal/mesh"
	"github.com/dork/dork/internal/pulse"
	"github.com/dork/dork/internal/relay"
	"github.com/dork/dork/internal/relay/adapter/discord"
	"github.com/dork/dork/internal/relay/adapter/telegram"
	"github.com/dork/dork/internal/session"
	"github.com/dork/dork/internal/transcript"
)

// shutdownBudget bounds the graceful shutdown of the HTTP server, the
// scheduler drain, and adapter teardown combined.
const shutdownBudget = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dork daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// 1. Load configuration
	home := config.HomeDir()
	cfg, err := config.LoadWithHome(home)
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
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting dork...", zap.String("home", home), zap.String("version", Version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Home directory tree
	if err := config.EnsureHome(home); err != nil {
		log.Fatal("Failed to create home directory", zap.Error(err))
	}

	// 5. Shared database (single writer + read pool)
	database, err := db.Open(config.DatabasePath(home, cfg))
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = database.Close() }()

	// 6. In-process event bus carrying the live feed
	eventBus := bus.NewMemoryEventBus(log)

	// 7. Path boundary for every external-path ingress
	boundaryRoot := cfg.Session.Boundary
	if boundaryRoot == "" {
		boundaryRoot, err = os.UserHomeDir()
		if err != nil {
			log.Fatal("Failed to resolve user home for the path boundary", zap.Error(err))
		}
	}
	bound, err := boundary.NewValidator(boundaryRoot)
	if err != nil {
		log.Fatal("Failed to initialize path boundary", zap.Error(err), zap.String("root", boundaryRoot))
	}

	// ============================================
	// RELAY
	// ============================================
	log.Info("Initializing Relay...")

	relaySvc, err := relay.NewService(cfg.Relay, database, config.MailboxesPath(home), eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize relay", zap.Error(err))
	}
	if err := relaySvc.Start(ctx); err != nil {
		log.Fatal("Failed to start relay", zap.Error(err))
	}

	// External channel adapters. A failed adapter is logged and skipped;
	// the relay itself keeps running.
	if cfg.Adapters.Telegram.Enabled {
		if err := relaySvc.Adapters().Register(ctx, telegram.New(cfg.Adapters.Telegram, log)); err != nil {
			log.Error("Telegram adapter failed to start", zap.Error(err))
		}
	}
	if cfg.Adapters.Discord.Enabled {
		if err := relaySvc.Adapters().Register(ctx, discord.New(cfg.Adapters.Discord, log)); err != nil {
			log.Error("Discord adapter failed to start", zap.Error(err))
		}
	}

	// ============================================
	// MESH
	// ============================================
	log.Info("Initializing Mesh...")

	meshSvc, err := mesh.NewService(cfg.Mesh, database, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize mesh", zap.Error(err))
	}

	// ============================================
	// SESSIONS
	// ============================================
	log.Info("Initializing Session Manager...")

	launcher := session.NewCLILauncher(cfg.Session.RuntimePath, log)
	sessions := session.NewManager(cfg.Session, launcher, bound, eventBus, log)
	if err := sessions.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", zap.Error(err))
	}

	// ============================================
	// PULSE
	// ============================================
	log.Info("Initializing Pulse...")

	scheduler, err := pulse.NewScheduler(cfg.Pulse, database, newScheduleRunner(sessions), eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize pulse", zap.Error(err))
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start pulse", zap.Error(err))
	}

	// ============================================
	// TRANSCRIPTS + GIT
	// ============================================
	reader := transcript.NewReader(transcriptsRoot(), log)
	inspector := git.NewInspector(log)

	// ============================================
	// LIVE EVENT FEED
	// ============================================
	hub := websocket.NewHub(eventBus, log)
	go hub.Run(ctx)

	// ============================================
	// MCP TOOL SERVER
	// ============================================
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(cfg.MCP, mcpserver.Deps{
			Relay:    relaySvc,
			Mesh:     meshSvc,
			Pulse:    scheduler,
			Boundary: bound,
		}, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP tool server ready",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "/api/sessions/:id/messages", "/api/events/ws"))

	relay.RegisterRoutes(router, relaySvc, log)
	mesh.RegisterRoutes(router, meshSvc, bound, log)
	pulse.RegisterRoutes(router, scheduler, bound, log)
	session.RegisterRoutes(router, sessions, log)
	transcript.RegisterRoutes(router, reader, log)
	git.RegisterRoutes(router, inspector, bound, log)
	websocket.RegisterRoutes(router, hub, log)

	// Health check (simple HTTP for monitors)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "dork",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api"),
		zap.String("feed", "/api/events/ws"),
		zap.String("health", "/health"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dork...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server stop error", zap.Error(err))
		}
	}

	if err := scheduler.Stop(); err != nil {
		log.Error("Pulse stop error", zap.Error(err))
	}

	if err := relaySvc.Stop(shutdownCtx); err != nil {
		log.Error("Relay stop error", zap.Error(err))
	}

	if err := sessions.Stop(); err != nil {
		log.Error("Session manager stop error", zap.Error(err))
	}

	log.Info("dork stopped")
}

// transcriptsRoot is the projects directory of the external agent CLI,
// where per-session JSONL transcripts land.
func transcriptsRoot() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(userHome, ".claude", "projects")
}

// corsMiddleware returns a CORS middleware for the HTTP and WebSocket
// endpoints. The daemon binds to localhost; browsers still enforce
// origins for the dashboard.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
