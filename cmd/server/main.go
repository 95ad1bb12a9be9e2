package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	"pepehouse/internal/core/services"
	httphandlers "pepehouse/internal/handlers/http"
	"pepehouse/internal/infrastructure/middleware"
	"pepehouse/internal/infrastructure/monitoring"
	"pepehouse/internal/infrastructure/repositories"
	signalserver "pepehouse/internal/infrastructure/signal"
	"pepehouse/internal/infrastructure/webrtc"
	"pepehouse/pkg/config"
	"pepehouse/pkg/logger"
	"pepehouse/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "", "path to the YAML configuration file")
	issueToken := flag.String("issue-token", "", "print an admin API token for the given subject and exit")
	flag.Parse()

	configPaths := []string{
		"configs/config.yaml",
		"/etc/pepehouse/config.yaml",
		"config.yaml",
	}
	if *configPath != "" {
		configPaths = []string{*configPath}
	}

	cfg, usedPath, err := config.LoadFirst(configPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if *issueToken != "" {
		token, err := authService.GenerateToken(*issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar().With("instance_id", cfg.Server.InstanceID)
	if usedPath == "" {
		log.Info("No configuration file found, using defaults")
	} else {
		log.Infow("Configuration loaded", "path", usedPath)
	}

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "pepehouse",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	repoFactory := repositories.NewRepositoryFactory(startCtx, cfg, log)
	startCancel()

	directory := repoFactory.CreateRoomDirectory()
	events := repoFactory.CreateEventPublisher()

	engine, err := webrtc.NewEngine(webrtc.Config{
		ListenIP:           cfg.Media.ListenIP,
		AnnouncedIP:        cfg.Media.AnnouncedIP,
		MinPort:            cfg.Media.PortRange.Min,
		MaxPort:            cfg.Media.PortRange.Max,
		MaxSctpMessageSize: cfg.Media.MaxSctpMessageSize,
	}, log)
	if err != nil {
		log.Fatalw("Failed to create media engine", "error", err)
	}

	metricsService := services.NewMetricsService()
	var metrics ports.RoomMetrics = metricsService
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metrics = services.CombineMetrics(metricsService, collector)
	}

	registry := services.NewSessionRegistry(engine, directory, events, metrics, services.RoomOptions{
		Codecs:                          routerCodecs(cfg.Media.Codecs),
		InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
		MaxIncomingBitrate:              cfg.Media.MaxIncomingBitrate,
		MaxSctpMessageSize:              cfg.Media.MaxSctpMessageSize,
		AudioLevelObserver: ports.AudioLevelObserverOptions{
			MaxEntries: cfg.Room.AudioLevelObserver.MaxEntries,
			Threshold:  cfg.Room.AudioLevelObserver.Threshold,
			Interval:   cfg.Room.AudioLevelObserver.Interval,
		},
		BotMaxMessageSize: cfg.Room.Bot.MaxMessageSize,
	}, log)

	wsServer := signalserver.NewWebSocketServer(registry, signalServerConfig(cfg), log)
	if collector != nil {
		collector.RegisterConnectionGauge(func() float64 {
			return float64(wsServer.ConnectionCount())
		})
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("rooms", func(ctx context.Context) error {
		if registry.Closed() {
			return fmt.Errorf("session registry closed")
		}
		return nil
	}, time.Second)
	if repoFactory.UsingRedis() {
		healthChecker.AddCheck("redis", repoFactory.HealthCheck, 2*time.Second)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go watchHealth(watchCtx, healthChecker, cfg.Monitoring.HealthCheckInterval, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalw("Invalid trusted proxies", "error", err)
	}
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"rooms":     registry.Count(),
			"routers":   engine.RouterCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		if !status.Healthy() {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	api := router.Group("/api/v1")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthMiddleware(authService))
		httphandlers.NewAuthHandler(authService, cfg.Auth.TokenTTL).SetupRoutes(api)
	} else {
		log.Warn("Admin API authentication disabled")
	}
	httphandlers.NewRoomHandler(registry, directory, metricsService, cfg.Server.InstanceID).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting pepehouse server",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"rtc_ports", fmt.Sprintf("%d-%d", cfg.Media.PortRange.Min, cfg.Media.PortRange.Max),
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down pepehouse server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Rooms go first so that peers get their sockets closed and the room
	// claims are released while Redis is still reachable.
	registry.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := repoFactory.Close(shutdownCtx); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	engine.Close()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("pepehouse server stopped")
}

func routerCodecs(codecs []config.CodecConfig) []domain.RtpCodecCapability {
	out := make([]domain.RtpCodecCapability, 0, len(codecs))
	for _, codec := range codecs {
		out = append(out, domain.RtpCodecCapability{
			Kind:       domain.MediaKind(codec.Kind),
			MimeType:   codec.MimeType,
			ClockRate:  codec.ClockRate,
			Channels:   codec.Channels,
			Parameters: codec.Parameters,
		})
	}
	return out
}

func signalServerConfig(cfg *config.Config) signalserver.ServerConfig {
	serverCfg := signalserver.ServerConfig{
		Conn: signalserver.ConnConfig{
			PingInterval:   cfg.Signal.PingInterval,
			PongTimeout:    cfg.Signal.PongTimeout,
			WriteTimeout:   cfg.Signal.WriteTimeout,
			RequestTimeout: cfg.Signal.RequestTimeout,
			MaxMessageSize: cfg.Signal.MaxMessageSize,
			SendQueueSize:  cfg.Signal.SendQueueSize,
		},
		AllowedOrigins: cfg.Signal.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
	}
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		serverCfg.ConnectionsPerMinute = ws.ConnectionsPerMinute
		serverCfg.MaxConcurrent = ws.MaxConcurrent
		serverCfg.Conn.MessagesPerSecond = ws.MessagesPerSecond
		serverCfg.Conn.Burst = ws.Burst
	}
	return serverCfg
}

// watchHealth logs readiness transitions.
func watchHealth(ctx context.Context, checker *monitoring.HealthChecker, interval time.Duration, log *zap.SugaredLogger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := checker.CheckAll(ctx)
			if status.Healthy() == healthy {
				continue
			}
			healthy = status.Healthy()
			if healthy {
				log.Infow("Dependencies recovered", "checks", status.Checks)
			} else {
				log.Warnw("Dependencies unhealthy", "checks", status.Checks)
			}
		}
	}
}
