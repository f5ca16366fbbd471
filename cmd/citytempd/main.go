package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avolkov/citytemp"
	"github.com/avolkov/citytemp/internal/config"
	"github.com/avolkov/citytemp/internal/httpapi"
	"github.com/avolkov/citytemp/internal/lifecycle"
	"github.com/avolkov/citytemp/internal/observability"
	"github.com/avolkov/citytemp/internal/refresh"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	source, err := citytemp.NewHTTPSource(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.FetchTimeout, logger)
	if err != nil {
		logger.Fatal("upstream source", zap.Error(err))
	}

	opts := []citytemp.Option{
		citytemp.WithLogger(logger),
		citytemp.WithSubscribeBackoff(cfg.SubscribeBackoffBase, cfg.SubscribeBackoffMax),
		citytemp.WithFetchBackoff(cfg.FetchBackoffBase, cfg.FetchBackoffMax),
		citytemp.WithFetchMaxAttempts(cfg.FetchMaxAttempts),
		citytemp.WithFetchTimeout(cfg.FetchTimeout),
		citytemp.WithHealthThreshold(cfg.HealthWindow, cfg.HealthErrorPct),
	}
	if cfg.SubscribeMaxAttempts > 0 {
		opts = append(opts, citytemp.WithSubscribeMaxAttempts(cfg.SubscribeMaxAttempts))
	}
	if cfg.MirrorEnabled {
		opts = append(opts, citytemp.WithMemcachedMirror(cfg.MirrorAddrs, cfg.MirrorTimeout, cfg.MirrorMaxIdleConns, cfg.MirrorTTL))
		logger.Info("mirror enabled", zap.String("addrs", cfg.MirrorAddrs))
	}

	cache, err := citytemp.New(source, opts...)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	cache.Start(context.Background())
	observability.RegisterCitiesGauge(cache.Len)

	refreshJob := refresh.New(cache, cfg.RefreshInterval, logger)
	if err := refreshJob.Start(); err != nil {
		logger.Fatal("refresh job", zap.Error(err))
	}
	defer refreshJob.Stop()

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httpapi.NewHandler(cache, logger, limiter, cfg.CityMinLength, cfg.CityMaxLength)

	router := mux.NewRouter()
	router.Use(httpapi.CorrelationIDMiddleware(logger))
	router.Use(httpapi.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	tempRouter := router.PathPrefix("/temperature").Subrouter()
	tempRouter.Use(httpapi.RateLimitMiddleware(limiter))
	tempRouter.Use(httpapi.TimeoutMiddleware(cfg.RequestTimeout))
	tempRouter.HandleFunc("/{city}", handler.GetTemperature).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	refreshJob.Stop()
	if err := cache.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
