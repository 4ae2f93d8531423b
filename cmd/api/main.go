package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/sceneforge/internal/api"
	"github.com/bobarin/sceneforge/internal/compose"
	"github.com/bobarin/sceneforge/internal/config"
	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/mirror"
	"github.com/bobarin/sceneforge/internal/pipeline"
	"github.com/bobarin/sceneforge/internal/planner"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/bobarin/sceneforge/internal/queue"
	"github.com/bobarin/sceneforge/internal/storage"
	"github.com/bobarin/sceneforge/internal/sweep"
	"github.com/bobarin/sceneforge/internal/worker"
)

func main() {
	log.Println("Starting Sceneforge API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scene job store: Postgres when configured, in-memory otherwise
	var store db.Store
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		store = database
		log.Println("Connected to database")
	} else {
		store = db.NewMemory()
		log.Println("WARNING: No DATABASE_URL set, using in-memory store (dev mode)")
	}

	// Video generation provider
	client, err := newProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize provider: %v", err)
	}
	client = provider.WithRateLimit(provider.Instrument(client), cfg.ProviderRateLimit)
	log.Printf("Video provider: %s", client.Name())

	// Object storage for mirrored assets
	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Initialized %s storage", cfg.StorageBackend)

	mirrorOpts := []mirror.Option{mirror.WithUploadSlots(cfg.MaxConcurrentJobs)}
	if da, ok := client.(provider.DownloadAuthorizer); ok {
		mirrorOpts = append(mirrorOpts, mirror.WithAuthorizer(da.AuthorizeDownload))
	}
	assets := mirror.New(objects, mirrorOpts...)

	p := pipeline.New(store, client, assets, pipeline.Config{
		PollInterval:    cfg.Polling.Interval,
		PollMaxAttempts: cfg.Polling.MaxAttempts,
	})

	// Redis queue for background continuations (optional)
	var q *queue.Queue
	if cfg.RedisURL != "" {
		q, err = queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to queue: %v", err)
		}
		defer q.Close()
		log.Println("Connected to Redis queue")
	}

	w := worker.New(p, store, client, q, cfg.MaxConcurrentJobs)
	p.SetScheduler(w)

	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")
		go func() {
			defer close(workerDone)
			w.Start(ctx, cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
		log.Println("Worker disabled, scene jobs settle through status checks only")
	}

	// Reconciliation sweep
	sweeper := sweep.New(store, assets)
	if cfg.Sweep.Enabled && cfg.RedisURL != "" {
		go func() {
			log.Printf("Scheduling reconciliation sweep (%s)", cfg.Sweep.Schedule)
			if err := sweeper.Serve(ctx, cfg.RedisURL, cfg.Sweep.Schedule); err != nil {
				log.Printf("Sweep scheduler stopped: %v", err)
			}
		}()
	} else if cfg.Sweep.Enabled {
		log.Println("No REDIS_URL set, sweep runs only through POST /v1/sweep")
	}

	composer := compose.New(compose.Config{
		WorkDir:         cfg.Compose.WorkDir,
		Resolution:      cfg.Compose.Resolution,
		FPS:             cfg.Compose.FPS,
		MinSegmentBytes: cfg.Compose.MinSegmentBytes,
		SubtitleLineCap: cfg.Compose.SubtitleLineCap,
	})

	var pl *planner.Planner
	if cfg.OpenAIKey != "" {
		pl = planner.New(cfg.OpenAIKey)
		log.Println("Scene planner enabled")
	}

	// Create API handler
	handler := api.NewHandler(p, composer, pl, sweeper)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		SweepSecret:        cfg.Sweep.Secret,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop worker and sweep after in-flight requests have drained
	cancel()
	if !cfg.WorkerEnabled {
		w.Stop()
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Println("Worker did not stop in time")
	}

	log.Println("Server exited")
}

func newProvider(ctx context.Context, cfg *config.Config) (provider.Client, error) {
	switch cfg.Provider {
	case "replicate":
		return provider.NewReplicateClient(cfg.ReplicateBaseURL, cfg.ReplicateToken, cfg.ReplicateModel), nil
	case "xai":
		return provider.NewXAIClient(cfg.XAIAPIKey), nil
	case "veo":
		return provider.NewVeoClient(ctx, cfg.GeminiKey, cfg.VeoModel)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "supabase":
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket), nil
	case "minio":
		return storage.NewMinio(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, cfg.MinioPublicURL)
	case "gcs":
		return storage.NewGCS(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
