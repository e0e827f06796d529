package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshroom/internal/core/services"
	httphandlers "meshroom/internal/handlers/http"
	"meshroom/internal/infrastructure/distributed"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/internal/infrastructure/repositories"
	signalinfra "meshroom/internal/infrastructure/signal"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to the YAML config file",
		Value:   "configs/config.yaml",
		EnvVars: []string{"MESHROOM_CONFIG"},
	},
	&cli.IntFlag{
		Name:  "port",
		Usage: "port for HTTP and websocket traffic, overrides the config file",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error, overrides the config file",
	},
}

func main() {
	app := &cli.App{
		Name:   "meshroom-signal",
		Usage:  "signaling server for meshroom video rooms",
		Flags:  flags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	return cfg, cfg.Validate()
}

func runServer(c *cli.Context) error {
	startTime := time.Now()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshroom-signal",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
	}()

	collector := monitoring.NewPrometheusCollector(nil)
	registry := repoFactory.CreateRoomRepository()
	rooms := services.NewRoomService(registry, collector, cfg.Server.PublicURL, log)

	var relay *distributed.ClusterRelay
	var hub *signalinfra.Hub
	if rc := repoFactory.RedisClient(); rc != nil && cfg.Redis.EventBus {
		instanceID := utils.GenerateInstanceID()
		relay = distributed.NewClusterRelay(
			distributed.NewEventBus(rc, instanceID, log),
			distributed.NewSharedConnectionRegistry(rc, instanceID, log),
			log,
		)
		hub = signalinfra.NewHub(relay, log)
		log.Infow("cross-instance relay enabled", "instance_id", instanceID)
	} else {
		hub = signalinfra.NewHub(nil, log)
	}

	router := signalinfra.NewRouter(rooms, hub, collector, log)
	wsServer := signalinfra.NewWebSocketServer(router, hub, signalinfra.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBufferSize:    cfg.Signal.SendBufferSize,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
		MessagesPerSecond: wsRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, collector, log)

	health := monitoring.NewHealthChecker(log)
	health.AddRegistryCheck(registry, 30*time.Second, 2*time.Second)
	if rc := repoFactory.RedisClient(); rc != nil {
		health.AddRedisCheck(rc, 15*time.Second, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewRoomHandler(rooms, log).SetupRoutes(engine)
	engine.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	engine.GET("/ws/health", gin.WrapF(wsServer.HealthCheck))
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": hub.Count(),
		})
	})
	engine.GET("/ready", gin.WrapF(health.ReadinessHandler))
	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	// No WriteTimeout: websocket writes carry their own deadlines.
	srv := &http.Server{
		Addr:        cfg.ListenAddress(),
		Handler:     corsHandler.Handler(engine),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("starting meshroom signaling server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		health.StartBackgroundChecks(gctx)
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			err := relay.Run(gctx, hub.DeliverLocal)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("relay stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down meshroom signaling server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		wsServer.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		if relay != nil {
			if err := relay.Close(shutdownCtx); err != nil {
				log.Warnw("relay cleanup failed", "error", err)
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server failed", "error", err)
		return err
	}
	log.Info("meshroom signaling server stopped")
	return nil
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}
