// Command hato runs the receive-only mail ingestion service: an SMTP
// front end gated by a live-synchronized domain whitelist, routing
// accepted messages into private mailboxes or ephemeral inboxes.
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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/hato/beacon"
	"github.com/migadu/hato/config"
	"github.com/migadu/hato/inboxes"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/errors"
	"github.com/migadu/hato/pkg/health"
	"github.com/migadu/hato/pkg/resilient"
	"github.com/migadu/hato/router"
	"github.com/migadu/hato/server/ingress"
	"github.com/migadu/hato/storage"
	"github.com/migadu/hato/whitelist"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hato version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.Load(*configPath, &cfg); err != nil {
		errorHandler.ConfigError(*configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(logger.Settings{
		Output: cfg.Logging.Output,
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "HATO: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("hato starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("received signal: %s, shutting down...", sig)
		cancel()
	}()

	// The primary store manager is lazy; a failed boot-time connection is
	// logged and retried on first use.
	rdb := resilient.New(&cfg.Database)
	defer rdb.Close()
	if _, err := rdb.Connect(ctx); err != nil {
		logger.Warn("primary store unavailable at startup, will retry on demand", "error", err)
	}

	inboxStore, err := inboxes.New(&cfg.Inboxes)
	if err != nil {
		errorHandler.Fatal("open inbox store", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer inboxStore.Close()

	whitelistCache := whitelist.NewCache(whitelist.DatabaseSubscriber{DB: rdb})
	go whitelistCache.Run(ctx)

	var archiver router.Archiver
	if cfg.S3.Enabled() {
		s3, err := storage.New(cfg.S3, cfg.Ingest.Debug)
		if err != nil {
			errorHandler.Fatal("initialize archive storage", err)
			os.Exit(errorHandler.WaitForExit())
		}
		archiver = s3
		logger.Info("raw message archival enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	engine := router.NewEngine(whitelistCache, rdb, inboxStore, beacon.New(&cfg.Beacon), archiver)

	monitor := health.NewHealthMonitor()
	dbProbeInterval, _ := cfg.Database.GetHealthCheckInterval()
	monitor.RegisterCheck(&health.HealthCheck{
		Name:     "database",
		Check:    rdb.Ping,
		Interval: dbProbeInterval,
		Critical: true,
	})
	monitor.RegisterCheck(&health.HealthCheck{
		Name:  "inboxes",
		Check: inboxStore.Ping,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	startStatusListener(ctx, &cfg.Status, monitor)

	smtpServer, err := ingress.New(ctx, &cfg.Ingest, whitelistCache, engine)
	if err != nil {
		errorHandler.Fatal("initialize SMTP server", err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := make(chan error, 1)
	go smtpServer.Start(errChan)

	select {
	case <-ctx.Done():
		logger.Info("shutting down, draining in-flight messages...")
		if err := smtpServer.Close(); err != nil {
			logger.Warn("error closing SMTP server", "error", err)
		}

		done := make(chan struct{})
		go func() {
			smtpServer.Drain()
			engine.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("all in-flight messages processed")
		case <-time.After(30 * time.Second):
			logger.Warn("drain timeout reached, some messages may be lost")
		}
	case err := <-errChan:
		errorHandler.Fatal("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// startStatusListener serves /metrics and /healthz when a status address
// is configured.
func startStatusListener(ctx context.Context, cfg *config.StatusConfig, monitor *health.HealthMonitor) {
	if cfg.Listen == "" {
		return
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", monitor.Handler())

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("status listener started", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("status listener failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
