package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/terminal-mux/backend/api/handlers"
	"github.com/terminal-mux/backend/internal/auth"
	"github.com/terminal-mux/backend/internal/config"
	"github.com/terminal-mux/backend/internal/history"
	"github.com/terminal-mux/backend/internal/profile"
	"github.com/terminal-mux/backend/internal/ratelimit"
	"github.com/terminal-mux/backend/internal/session"
	"github.com/terminal-mux/backend/internal/transport"
	"github.com/terminal-mux/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ensure data directories exist
	for _, p := range []string{cfg.ProfileDBPath, cfg.HistoryDBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
	}

	// Initialize stores
	profiles, err := profile.OpenSQLite(cfg.ProfileDBPath)
	if err != nil {
		log.Fatalf("Failed to open profile store: %v", err)
	}
	defer profiles.Close()

	historySink, err := history.OpenSQLite(cfg.HistoryDBPath)
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}
	defer historySink.Close()

	recorder := history.NewDispatcher(historySink)

	// Initialize transport factory
	factory := &transport.DefaultFactory{
		Profiles:    profiles,
		Credentials: profile.EnvCredentialSource{},
		DockerHost:  cfg.DockerHost,
	}

	// Initialize session registry
	registry := session.NewRegistry(factory, recorder, session.RegistryConfig{
		ConnectTimeout:           cfg.ConnectTimeout,
		GraceWindow:              cfg.GraceWindow,
		Reconnect:                cfg.ReconnectPolicy(),
		BufferLow:                cfg.BufferLowWatermark,
		BufferHigh:               cfg.BufferHighWatermark,
		BufferHardCap:            cfg.BufferHardCap,
		MaxSessionsPerConnection: cfg.MaxSessionsPerConnection,
	})

	// Initialize connection manager
	authenticator := auth.NewStatic(staticPrincipals(cfg.AuthTokens))
	limiter := ratelimit.NewPerConnection(cfg.RateLimitPerMinute)
	manager := ws.NewManager(registry, authenticator, limiter, ws.ManagerConfig{
		KeepaliveInterval:    cfg.KeepaliveInterval,
		RateViolationHardCap: cfg.RateViolationHardCap,
	})

	// Initialize handlers
	wsHandler := handlers.NewWebSocketHandler(manager)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint; also publishes the reconnect contract so
	// clients back off on the same schedule the grace window assumes.
	r.GET("/health", func(c *gin.Context) {
		policy := registry.ReconnectPolicy()
		c.JSON(200, gin.H{
			"status":      "ok",
			"connections": manager.ConnectionCount(),
			"sessions":    registry.Len(),
			"reconnect": gin.H{
				"max_attempts":  policy.MaxAttempts,
				"base_delay_ms": policy.BaseDelay.Milliseconds(),
				"max_delay_ms":  policy.MaxDelay.Milliseconds(),
				"jitter":        policy.JitterFraction,
			},
			"grace_window_ms": registry.GraceWindow().Milliseconds(),
		})
	})

	// API routes
	api := r.Group("/api")
	{
		wsHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		manager.Close()
		registry.Close()
		recorder.Close()
		historySink.Close()
		profiles.Close()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting server on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// staticPrincipals maps configured bearer tokens to principals. The
// device id defaults to the principal id for static deployments.
func staticPrincipals(tokens map[string]string) map[string]auth.Principal {
	principals := make(map[string]auth.Principal, len(tokens))
	for token, id := range tokens {
		principals[token] = auth.Principal{ID: id, DeviceID: id}
	}
	return principals
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
