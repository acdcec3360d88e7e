package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trainchain/backend/aggregation"
	"github.com/trainchain/backend/background"
	"github.com/trainchain/backend/cache"
	"github.com/trainchain/backend/chain"
	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/coordinator"
	"github.com/trainchain/backend/federated"
	"github.com/trainchain/backend/handlers"
	"github.com/trainchain/backend/middleware"
	"github.com/trainchain/backend/monitor"
	"github.com/trainchain/backend/repository"
	"github.com/trainchain/backend/sharder"
	"github.com/trainchain/backend/storage"
)

func main() {
	log.Println("Starting TrainChain backend")

	// Initialize configuration and database
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	defer cfg.Close()

	// Content-addressed storage
	store, err := storage.NewStore(storage.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureBucket(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ensure bucket: %v", err)
	}
	cancel()

	// Open-jobs cache. Optional: the listing falls back to the database.
	var jobCache cache.Cache
	if redisCache, err := cache.NewRedisCache(cfg.RedisURL); err != nil {
		log.Printf("Invalid Redis URL, running without cache: %v", err)
	} else {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisCache.Ping(pingCtx); err != nil {
			log.Printf("Redis unreachable, running without cache: %v", err)
		} else {
			jobCache = redisCache
			defer redisCache.Close()
		}
		pingCancel()
	}

	// Settlement mirroring. Optional: disabled when no contract is configured.
	var settlement chain.Settlement
	if cfg.ContractAddress != "" {
		chainClient, err := chain.NewClient(cfg.ChainRPCURL, cfg.ContractAddress, cfg.ChainPrivateKey, cfg.ChainID)
		if err != nil {
			log.Fatalf("Failed to initialize settlement client: %v", err)
		}
		settlement = chainClient
		defer chainClient.Close()
	} else {
		log.Println("No contract address configured, settlement mirroring disabled")
	}

	repo := repository.NewRepository(cfg.DB)
	runner := background.NewRunner(5 * time.Minute)
	notifier := aggregation.NewClient(cfg.AggregatorURL)
	datasetSharder := sharder.New(store, repo)

	coord := coordinator.New(repo, settlement, runner, jobCache)
	fed := federated.NewService(repo, datasetSharder, notifier, runner, jobCache)
	handler := handlers.NewHandler(repo, coord, fed, store, jobCache)

	// Re-run sharding for rosters whose shards never all landed and
	// re-notify the aggregator for jobs parked in aggregating.
	recovery := monitor.NewRecoveryMonitor(repo, notifier, datasetSharder, 5*time.Minute, 15*time.Minute)
	recovery.Start()

	// Setup Gin router
	router := gin.Default()
	router.Use(middleware.CORSMiddleware())
	router.MaxMultipartMemory = 64 << 20

	router.GET("/health", handler.Health)

	jobs := router.Group("/jobs")
	{
		// Shared lifecycle
		jobs.POST("/confirm/:jobId", handler.ConfirmJob)
		jobs.DELETE("/unconfirmed/:jobId", handler.DeleteUnconfirmedJob)
		jobs.GET("/retry-info/:jobId", handler.GetRetryInfo)
		jobs.GET("/get-jobs", handler.GetOpenJobs)
		jobs.GET("/my-requests", handler.GetMyRequests)
		jobs.GET("/get-dataset/:jobId", handler.GetDataset)
		jobs.GET("/get-model/:jobId", handler.GetModel)
		jobs.POST("/model/upload", handler.UploadModel)

		// Image processing (single contributor)
		jobs.POST("/image_processing/upload", handler.CreateImageJob)
		jobs.GET("/image_processing/get-job/:jobId", handler.GetImageJobDetails)
		jobs.POST("/contributor/apply", handler.ApplyForJob)
		jobs.POST("/contributor/confirm", handler.ConfirmApplication)
		jobs.POST("/contributor/revert", handler.RevertApplication)
		jobs.GET("/contributor/get-job", handler.GetContributorJob)

		// Federated llm finetune
		llm := jobs.Group("/llm")
		{
			llm.POST("/upload", handler.CreateLlmJob)
			llm.POST("/accept-slot", handler.AcceptSlot)
			llm.GET("/my-slot", handler.GetMySlot)
			llm.GET("/get-shard/:jobId", handler.GetShard)
			llm.POST("/upload-adapter", handler.UploadAdapter)
			llm.POST("/submit-adapter", handler.SubmitAdapter)
			llm.GET("/slots/:jobId", handler.GetSlots)
			llm.POST("/finalize/:jobId", handler.FinalizeAggregation)
			llm.POST("/aggregation-failed/:jobId", handler.AggregationFailed)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	recovery.Stop()
	runner.Wait()
	log.Println("Server stopped gracefully")
}
