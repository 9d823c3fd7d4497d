// Command server is the process bootstrap for OpenWatchParty: it validates
// environment configuration, wires the dispatcher and its collaborators,
// and runs the Gin HTTP server that serves the /ws upgrade endpoint plus
// the /health and /metrics operational surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/mhbxyz/OpenWatchParty/internal/auth"
	"github.com/mhbxyz/OpenWatchParty/internal/config"
	"github.com/mhbxyz/OpenWatchParty/internal/dispatcher"
	"github.com/mhbxyz/OpenWatchParty/internal/health"
	"github.com/mhbxyz/OpenWatchParty/internal/logging"
	"github.com/mhbxyz/OpenWatchParty/internal/middleware"
	"github.com/mhbxyz/OpenWatchParty/internal/ratelimit"
	"github.com/mhbxyz/OpenWatchParty/internal/tracing"
	"github.com/mhbxyz/OpenWatchParty/internal/transport"
)

const serviceName = "openwatchparty"

func main() {
	// Best-effort local-dev convenience: a missing .env is not an error,
	// since production deployments set real environment variables.
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Configuration is validated before the logger exists, so a fatal
		// here goes to stderr directly.
		println("configuration error: " + err.Error())
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		println("failed to initialize logger: " + err.Error())
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Warn(ctx, "tracer shutdown failed", zap.Error(err))
				}
			}()
		}
	}

	validator := auth.NewValidator(cfg)
	limiter := ratelimit.New()
	d := dispatcher.New(validator, limiter)

	sweeper := ratelimit.NewSweeper(d.Conns, func(connID string) {
		if conn, ok := d.Conns.Get(connID); ok {
			logging.Info(ctx, "reaping zombie connection", zap.String("conn_id", connID))
			d.HandleDisconnect(ctx, conn)
		}
	})
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	origins := parseOrigins(cfg.AllowedOrigins)
	hub := transport.NewHub(d, origins, cfg.AuthEnabled())
	healthHandler := health.NewHandler(cfg.AuthEnabled())

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	router.Use(cors.New(corsCfg))

	router.GET("/ws", hub.ServeWs)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopSweeper()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
	}
	d.Shutdown(shutdownCtx, "Server shutting down")

	logging.Info(ctx, "server exited cleanly")
}

// parseOrigins splits the comma-separated ALLOWED_ORIGINS value, trimming
// whitespace around each entry.
func parseOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
