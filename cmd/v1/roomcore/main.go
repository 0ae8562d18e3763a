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

	"github.com/collab-audio/roomcore/internal/v1/auth"
	"github.com/collab-audio/roomcore/internal/v1/config"
	"github.com/collab-audio/roomcore/internal/v1/fanout"
	"github.com/collab-audio/roomcore/internal/v1/fetch"
	"github.com/collab-audio/roomcore/internal/v1/health"
	"github.com/collab-audio/roomcore/internal/v1/logging"
	"github.com/collab-audio/roomcore/internal/v1/middleware"
	"github.com/collab-audio/roomcore/internal/v1/reqhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomstate"
	"github.com/collab-audio/roomcore/internal/v1/router"
	"github.com/collab-audio/roomcore/internal/v1/store"
	"github.com/collab-audio/roomcore/internal/v1/tracing"
	"github.com/collab-audio/roomcore/internal/v1/voicebus"
	"github.com/collab-audio/roomcore/internal/v1/vsresponse"
	"github.com/collab-audio/roomcore/internal/v1/wsconn"
	"go.uber.org/zap"
)

// devValidator accepts any token without parsing it and authenticates every
// connection as user "1", for local development when SKIP_AUTH=true.
// Mirrors the teacher's MockValidator.
type devValidator struct{}

func (devValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	claims := &auth.CustomClaims{}
	claims.Subject = "1"
	return claims, nil
}

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	log := logging.GetLogger()
	defer log.Sync()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "roomcore", cfg.OtelCollectorAddr)
		if err != nil {
			log.Warn("failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	g, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("failed to connect to store", zap.Error(err))
	}
	if err := g.AutoMigrate(); err != nil {
		log.Fatal("failed to migrate store", zap.Error(err))
	}

	var fan *fanout.Service
	if cfg.RedisEnabled {
		fan, err = fanout.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatal("failed to connect to fan-out redis", zap.Error(err))
		}
	}

	bus, err := voicebus.Connect(cfg.VoiceBusAddr, log)
	if err != nil {
		log.Fatal("failed to connect to voice bus", zap.Error(err))
	}
	defer bus.Close()

	state := roomstate.NewServerState()
	room := roomhandler.New(state, g, bus, fan, log)
	req := reqhandler.New(state, fetch.New(g), room, bus, log)
	r := router.New(req, log)
	vsHandler := vsresponse.New(room, log)

	consumeCtx, cancelConsume := context.WithCancel(context.Background())
	defer cancelConsume()
	go func() {
		if err := bus.Consume(consumeCtx, vsHandler.Handle); err != nil {
			log.Error("voice bus consumer stopped", zap.Error(err))
		}
	}()

	var validator wsconn.TokenValidator
	if cfg.SkipAuth {
		log.Warn("authentication disabled, do not use in production")
		validator = devValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			log.Fatal("failed to create auth validator", zap.Error(err))
		}
		validator = v
	}

	allowedOrigins := []string{"http://localhost:3000"}
	if cfg.AllowedOrigins != "" {
		allowedOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	hub := wsconn.NewHub(validator, state, room, r, log, allowedOrigins)
	healthHandler := health.NewHandler(fan, bus)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	engine.Use(cors.New(corsConfig))

	engine.GET("/ws", hub.ServeWs)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		log.Info("roomcore listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
}
