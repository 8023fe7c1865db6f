// Package main is the entry point for the previewplane sweeper: the
// reconciliation loop that expires, reclaims and deprovisions drifted
// state. Run as many replicas as you like; an advisory lock keeps one
// active at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"previewplane/internal/config"
	"previewplane/internal/logger"
	"previewplane/internal/notifier"
	"previewplane/internal/observability"
	"previewplane/internal/provisioner"
	"previewplane/internal/store/postgres"
	"previewplane/internal/sweeper"
)

// advisoryElector adapts the store's advisory lock to the sweeper's
// leader-election hook.
type advisoryElector struct {
	store *postgres.Store
}

func (e advisoryElector) TryLead(ctx context.Context) (func(), bool, error) {
	lock, acquired, err := e.store.AcquireSweepLock(ctx)
	if err != nil || !acquired {
		return nil, false, err
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Printf("Failed to release sweep lock: %v", err)
		}
	}, true, nil
}

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("sweeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "previewplane-sweeper", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	store, err := postgres.New(ctx, cfg.DatabaseURL, postgres.Config{
		MaxRetryCount:     cfg.MaxRetryCount,
		MinBackoff:        10 * time.Second,
		MaxBackoff:        300 * time.Second,
		MaxAttempts:       cfg.QueueMaxAttempts,
		RetryWindow:       cfg.QueueRetryWindow,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	prov, err := provisioner.NewDockerProvisioner(provisioner.DockerConfig{
		ImageTemplate: cfg.DockerImageTemplate,
		URLTemplate:   cfg.DockerURLTemplate,
	})
	if err != nil {
		log.Fatalf("Failed to create Docker provisioner: %v", err)
	}

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.NotifyEndpoint != "" {
		notif = notifier.NewWebhook(cfg.NotifyEndpoint, cfg.NotifyToken)
	}

	sw := sweeper.New(store, store, prov, notif, advisoryElector{store: store}, sweeper.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, slogger)

	go func() {
		if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Sweeper stopped: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Printf("Sweeper metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down sweeper...")
	cancel()
}
