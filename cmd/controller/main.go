// Package main is the entry point for the previewplane controller: the
// intake API that records deployment requests and feeds the work queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"previewplane/internal/config"
	"previewplane/internal/controller"
	"previewplane/internal/observability"
	"previewplane/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, cfg.DatabaseURL, storeConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	if *migrateFlag {
		log.Println("Running database migrations...")
		if err := postgres.Migrate(store.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "previewplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
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

	// Queue depth as an async gauge: the DB is queried only when scraped.
	meter := otel.Meter("previewplane-controller")
	_, err = meter.Int64ObservableGauge("previewplane.queue.depth",
		metric.WithDescription("Current number of deployment requests in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			depth, err := store.Depth(ctx)
			if err != nil {
				log.Printf("Failed to read queue depth: %v", err)
				return nil // Don't crash metrics scrape on DB error
			}
			obs.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register queue depth metric: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, store, controller.Options{
		InternalToken: cfg.InternalToken,
		RequestRate:   cfg.RequestRate,
		RequestBurst:  cfg.RequestBurst,
		Metrics:       metricsHandler,
	})

	go func() {
		log.Printf("PreviewPlane Controller starting on %s", addr)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited properly")
}

func storeConfig(cfg *config.Config) postgres.Config {
	return postgres.Config{
		MaxRetryCount:     cfg.MaxRetryCount,
		MinBackoff:        10 * time.Second,
		MaxBackoff:        300 * time.Second,
		MaxAttempts:       cfg.QueueMaxAttempts,
		RetryWindow:       cfg.QueueRetryWindow,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}
}
