// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "cad-convert-service/docs"
	"cad-convert-service/internal/config"
	"cad-convert-service/internal/repository/postgresql"
	"cad-convert-service/internal/service"
	"cad-convert-service/internal/storage"
	httptransport "cad-convert-service/internal/transport/http"
)

// @title CAD Conversion API
// @version 1.0
// @description Upload CAD files and convert them asynchronously.

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	// DI
	repo := postgresql.NewTaskRepository(pool)
	queue := service.NewRedisQueue(rdb, cfg.QueueKey, cfg.ProcessingKey, cfg.LeaseKey, cfg.LeaseTimeout)
	gateway, err := storage.NewR2Gateway(ctx,
		cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey,
		cfg.R2BucketName, cfg.R2PublicURL, cfg.PresignTTL,
	)
	if err != nil {
		log.Fatalf("r2: %v", err)
	}

	taskSvc := service.NewTaskService(repo, queue)
	handler := httptransport.NewHandler(taskSvc, gateway)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httptransport.Routes(handler),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[api] listening addr=%s redis_addr=%s", cfg.HTTPAddr, cfg.RedisAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http: %v", err)
	}

	log.Println("api stopped")
}
