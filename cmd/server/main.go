package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docproc-dashboard/backend/internal/api"
	"github.com/docproc-dashboard/backend/internal/config"
	"github.com/docproc-dashboard/backend/internal/extraction"
	"github.com/docproc-dashboard/backend/internal/session"
	"github.com/docproc-dashboard/backend/internal/storage"
	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/docproc-dashboard/backend/internal/web"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	// .env next to the binary, then in the working directory
	for _, p := range []string{filepath.Join(exeDir, ".env"), ".env"} {
		if err := config.LoadDotEnv(p); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
	}

	// Load XML configuration
	configPath := filepath.Join(exeDir, "DocumentDashboard.config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stdout, cfg.Advanced)
	slog.SetDefault(logger)

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		logger.Error("startup.directories", "error", err)
		os.Exit(1)
	}

	// Check if running in embedded mode (frontend built into binary)
	embeddedMode := web.HasEmbeddedFiles()

	// Initialize storage. Files left over from a previous run belong to
	// no session.
	fileStore, err := storage.NewLocalStore(cfg.GetUploadDir())
	if err != nil {
		logger.Error("startup.storage", "dir", cfg.GetUploadDir(), "error", err)
		os.Exit(1)
	}
	if n, err := fileStore.Purge(); err != nil {
		logger.Warn("startup.storage.purge", "error", err)
	} else if n > 0 {
		logger.Info("startup.storage.purged", "files", n)
	}

	policy, err := cfg.UploadPolicy()
	if err != nil {
		logger.Error("startup.policy", "file", cfg.Upload.PolicyFile, "error", err)
		os.Exit(1)
	}
	policies := upload.NewPolicyStore(policy)

	extractor, err := extraction.NewClient(cfg.Extraction.BaseURL, extraction.WithLogger(logger))
	if err != nil {
		logger.Error("startup.extraction", "base_url", cfg.Extraction.BaseURL, "error", err)
		os.Exit(1)
	}

	hub := api.NewEventHub(int64(cfg.Advanced.WebSocketMaxMessageSize)*1024, logger)

	sessionMgr := session.NewManager(session.ManagerConfig{
		Files:       fileStore,
		Extractor:   extractor,
		Policy:      policies,
		Presenters:  hub.Presenter,
		Logger:      logger,
		MaxSessions: cfg.Sessions.MaxSessions,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background session cleanup
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sessionMgr.CleanupOldSessions(cfg.SessionTimeout()); n > 0 {
					logger.Info("session.cleanup", "expired", n, "remaining", sessionMgr.Count())
				}
				hub.Prune(func(id string) bool {
					_, ok := sessionMgr.Get(id)
					return ok
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e, logger, cfg.Advanced.LogLevel == "debug")

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/keepalive") ||
				path == "/api/health"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize:         1024 * 4,
		DisablePrintStack: false,
		LogLevel:          0,
	}))

	// extraction requests wait on the remote service and event streams
	// are long-lived
	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.Contains(path, "/extract/") ||
				strings.HasSuffix(path, "/events") ||
				strings.HasSuffix(path, "/file")
		},
		ErrorMessage: "Request timeout",
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Request().URL.Path, "/events")
		},
	}))

	// Body limit middleware, file uploads are bounded by the upload policy
	e.Use(api.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		if embeddedMode {
			// In embedded mode, use config settings
			origins := strings.Split(cfg.Server.AllowOrigins, ",")
			for i := range origins {
				origins[i] = strings.TrimSpace(origins[i])
			}
			if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
				origins = []string{"*"}
			}
			e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins: origins,
				AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
				AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			}))
		} else {
			// Development mode - only allow localhost
			e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins: []string{
					"http://localhost:5173", "http://127.0.0.1:5173",
					"http://localhost:3000", "http://127.0.0.1:3000",
				},
				AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
				AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
			}))
		}
	}

	// API Routes
	api.RegisterRoutes(e.Group("/api"), api.NewHandlers(&api.Dependencies{
		Sessions: sessionMgr,
		Policies: policies,
		Events:   hub,
		Version:  Version,
		Logger:   logger,
	}))

	// Register embedded frontend if available
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("startup.static", "error", err)
		} else {
			logger.Info("startup.static", "mode", "embedded")
		}
	}

	// No write timeout: extraction responses can take minutes
	s := &http.Server{
		Addr:              cfg.GetServerAddr(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Print startup banner
	mode := "Development"
	if embeddedMode {
		mode = "Embedded"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Document Processing Dashboard                   ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:     %-45s║\n", configPath)
	fmt.Printf("║  Listen:     http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Extraction: %-45s║\n", extractor.BaseURL())
	fmt.Printf("║  Uploads:    %-45s║\n", cfg.GetUploadDir())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if embeddedMode {
		fmt.Printf("Open http://localhost:%d in your browser\n\n", cfg.Server.Port)
	}

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server.stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server.shutdown", "error", err)
	}
	sessionMgr.CloseAll()
}
