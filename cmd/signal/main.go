package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"beamnet/internal/core/services"
	"beamnet/internal/infrastructure/middleware"
	"beamnet/internal/infrastructure/monitoring"
	wsignal "beamnet/internal/infrastructure/signal"
	"beamnet/pkg/config"
	"beamnet/pkg/logger"
	"beamnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			log.Printf("Loaded config from: %s", path)
			break
		}
	}
	if cfg == nil {
		log.Printf("Could not load config from any path, using defaults")
		cfg = config.Default()
	}

	zl := logger.New(cfg.Logging.Level)
	defer zl.Sync()
	slog := zl.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("failed to initialize tracing", "error", err)
	}

	registry := services.NewRoomRegistry()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	collector := monitoring.NewPrometheusCollector(promReg, registry.Stats)

	router := services.NewMessageRouter(registry, collector, slog)

	server := wsignal.NewServer(router, registry, wsignal.Options{
		PingInterval:   cfg.Signal.PingInterval.Std(),
		PongTimeout:    cfg.Signal.PongTimeout.Std(),
		WriteTimeout:   cfg.Signal.WriteTimeout.Std(),
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		SendBuffer:     cfg.Signal.SendBuffer,
	}, slog)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(slog),
		middleware.ErrorHandlerMiddleware(slog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.TracingMiddleware(),
	)

	engine.GET("/ws", server.HandleWebSocket)
	engine.GET("/health", server.HandleHealth)
	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Infow("signaling relay listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Errorw("shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Errorw("tracing shutdown error", "error", err)
	}
}
