// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"cad-convert-service/internal/config"
	"cad-convert-service/internal/repository/postgresql"
	"cad-convert-service/internal/service"
	"cad-convert-service/internal/storage"
	"cad-convert-service/internal/worker"
)

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

	// Reaper: returns tasks whose lease expired from processing back to
	// the queue (worker crashed or was restarted mid-conversion).
	go func() {
		ticker := time.NewTicker(cfg.ReaperInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := queue.RequeueExpired(ctx, 100)
				if err != nil {
					log.Printf("requeue error: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("requeued %d tasks with expired leases", n)
				}
			}
		}
	}()

	engine := worker.NewExecEngine(cfg.ConverterBin)
	processor := worker.NewProcessor(repo, engine, gateway, cfg.WorkDir, cfg.MaxAttempts)
	poolWorkers := worker.NewPool(queue, processor, cfg.Workers, cfg.ClaimTimeout)

	log.Printf("[worker] started: workers=%d redis_addr=%s queue_key=%s lease_timeout=%s max_attempts=%d",
		cfg.Workers, cfg.RedisAddr, cfg.QueueKey, cfg.LeaseTimeout, cfg.MaxAttempts,
	)
	poolWorkers.Run(ctx)

	log.Println("worker stopped")
}
