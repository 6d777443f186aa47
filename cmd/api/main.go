package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"faceattend/internal/app"
	"faceattend/internal/config"
	"faceattend/internal/httpapi"
	"faceattend/internal/jobs"
	"faceattend/internal/logging"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Env: cfg.Env})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, log *logrus.Logger) error {
	a, err := app.Build(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := make(map[string]httpapi.HealthCheck, len(a.Checks))
	for name, check := range a.Checks {
		checks[name] = check
	}
	srv := httpapi.New(a.Engine, a.Devices, a.Broker, log, httpapi.Options{
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
		Checks:          checks,
	})

	sweeper := jobs.NewScheduler(a.Engine, log)
	if err := sweeper.Start(cfg.Scheduler.SessionSweepInterval); err != nil {
		return err
	}
	defer sweeper.Stop()

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// Give outstanding requests and runs 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Warn("server forced shutdown")
	}
	if err := a.Engine.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Warn("recognition runs did not stop in time")
	}
	log.Info("server exited")
	return nil
}
