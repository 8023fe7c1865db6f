// Package main is the entry point for the previewplane worker: the agent
// that pulls deployment requests off the queue and provisions preview
// environments.
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
	"previewplane/internal/worker"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "previewplane-worker", cfg.OTELEndpoint)
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
	log.Println("Using docker provisioner")

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.NotifyEndpoint != "" {
		notif = notifier.NewWebhook(cfg.NotifyEndpoint, cfg.NotifyToken)
		log.Printf("Posting status updates to %s", cfg.NotifyEndpoint)
	}

	agent := worker.New(store, store, prov, notif, worker.Config{
		Concurrency:      cfg.WorkerConcurrency,
		PollInterval:     cfg.WorkerPollInterval,
		MaxBackoff:       cfg.WorkerMaxBackoff,
		DispatchRate:     cfg.WorkerDispatchRate,
		LeaseDuration:    cfg.LeaseDuration,
		ProvisionTimeout: cfg.ProvisionTimeout,
		TTL:              cfg.PreviewTTL,
	}, slogger)

	log.Printf("Worker started with concurrency %d", cfg.WorkerConcurrency)
	go agent.Run(ctx)

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

	// Dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Printf("Worker metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	<-agent.Done()
}
