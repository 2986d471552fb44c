package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/handler"
	"github.com/Dan9191/card-ledger/internal/lock"
	"github.com/Dan9191/card-ledger/internal/middleware"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/scheduler"
	"github.com/Dan9191/card-ledger/internal/service"
	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/Dan9191/card-ledger/internal/utils/email"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store repository.Store
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("Using in-memory store, data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DBConn)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		pg := repository.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatalf("Failed to apply schema: %v", err)
		}
		store = pg
	}

	// Initialize card locks
	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("Invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatalf("Failed to ping redis: %v", err)
		}
		locker = lock.NewRedisLocker(client, cfg.LockTTL, logger)
	default:
		locker = lock.NewKeyedMutex()
	}

	// Initialize layers
	opts := []service.Option{
		service.WithGenerator(utils.NewCardNumberGenerator(cfg.CardPrefix)),
	}
	if cfg.EmailEnabled() {
		opts = append(opts, service.WithNotifier(email.NewSender(cfg, logger)))
	} else {
		logger.Info("SMTP_HOST not set, transaction emails disabled")
	}
	svc := service.NewService(store, locker, logger, opts...)
	h := handler.NewHandler(svc, logger)

	// Schedule maintenance jobs
	sched := scheduler.NewScheduler(logger)
	if cfg.ExpirySweepSchedule != "" {
		if err := sched.AddExpirySweep(cfg.ExpirySweepSchedule, svc); err != nil {
			logger.Fatalf("Failed to schedule jobs: %v", err)
		}
	}
	sched.Start()

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.Recover(logger), middleware.RequestLogger(logger))
	// Public routes
	r.HandleFunc("/health", h.Health).Methods("GET")
	// Protected routes
	authRouter := r.PathPrefix("/").Subrouter()
	authRouter.Use(middleware.AuthMiddleware(cfg))
	h.RegisterRoutes(authRouter)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      corsHandler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Errorf("Scheduler shutdown failed: %v", err)
	}
}
