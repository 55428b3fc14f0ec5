package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"deixis/config"
	"deixis/queue"
	"deixis/services"
	"deixis/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	lookupsCounter           *prometheus.CounterVec
	papersCreatedCounter     prometheus.Counter
	lessonTransitionsCounter *prometheus.CounterVec
	lessonsDispatchedCounter prometheus.Counter
	papersEnrichedCounter    prometheus.Counter
)

func init() {
	lookupsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deixis_doi_lookups_total",
			Help: "DOI lookups by result (created, existing, invalid, error).",
		},
		[]string{"result"},
	)
	papersCreatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deixis_papers_created_total",
			Help: "Total number of new papers added to the database.",
		},
	)
	lessonTransitionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deixis_lesson_transitions_total",
			Help: "Lesson status changes by target status.",
		},
		[]string{"status"},
	)
	lessonsDispatchedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deixis_lessons_dispatched_total",
			Help: "Lesson requests handed to the content generator.",
		},
	)
	papersEnrichedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deixis_papers_enriched_total",
			Help: "Papers whose metadata was filled by a provider.",
		},
	)
	prometheus.MustRegister(lookupsCounter, papersCreatedCounter, lessonTransitionsCounter,
		lessonsDispatchedCounter, papersEnrichedCounter)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logging, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Database
	db, err := storage.OpenPostgres(ctx, cfg, logging)
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer storage.Close(db)

	logging.Info("Running database auto-migration...")
	if err := storage.Migrate(db); err != nil {
		logging.Fatal("Database migration failed", zap.Error(err))
	}

	// Setup Lesson Dispatch
	var dispatcher services.Dispatcher
	if cfg.RabbitMQURL != "" {
		conn, err := queue.Dial(ctx, cfg.RabbitMQURL, cfg.LessonQueue)
		if err != nil {
			logging.Fatal("RabbitMQ connection failed", zap.Error(err))
		}
		publisher := queue.NewPublisher(conn, cfg.LessonQueue)
		defer publisher.Close()
		dispatcher = countingDispatcher{next: publisher}
		logging.Info("Lesson dispatch enabled", zap.String("queue", cfg.LessonQueue))
	} else {
		logging.Warn("RABBITMQ_URL not set, lessons stay pending until reported externally.")
	}

	// Setup Services
	lessonService := services.NewLessonService(db, logging, dispatcher)

	var assetStore services.AssetStore
	if cfg.AssetsEnabled() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3Options{
			URL: cfg.S3URL, Region: cfg.S3Region, Key: cfg.S3Key, Secret: cfg.S3Secret,
		})
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		assetStore = storage.NewAssetStore(s3Client, cfg.S3Bucket)
		logging.Info("Lesson asset storage enabled", zap.String("bucket", cfg.S3Bucket))
	}
	assetService := services.NewAssetService(lessonService, assetStore, logging)

	provs := services.BuildProviders(cfg, logging)
	names := make([]string, 0, len(provs))
	for _, p := range provs {
		names = append(names, p.Name())
	}
	logging.Info("Active providers loaded", zap.Strings("providers", names))
	enricher := services.NewEnricher(db, logging, provs, cfg.EnrichBatchSize)

	// Setup Cron
	scheduler, err := setupJobs(ctx, cfg, logging, lessonService, enricher)
	if err != nil {
		logging.Fatal("Cron setup failed", zap.Error(err))
	}
	scheduler.Start()

	// Setup Router
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(cfg, logging, lessonService, assetService)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP shutdown failed", zap.Error(err))
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logging.Warn("Cron jobs still running at shutdown")
	}
	logging.Info("Server stopped")
}

// countingDispatcher zählt erfolgreich übergebene Lessons.
type countingDispatcher struct {
	next services.Dispatcher
}

func (d countingDispatcher) Publish(ctx context.Context, req services.LessonRequest) error {
	if err := d.next.Publish(ctx, req); err != nil {
		return err
	}
	lessonsDispatchedCounter.Inc()
	return nil
}
