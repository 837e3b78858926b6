package worker

import (
	"context"
	"log"
	"time"

	"cad-convert-service/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int, claimDelay time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if claimDelay <= 0 {
		claimDelay = 5 * time.Second
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: claimDelay,
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("worker pool started: workers=%d", p.workers)

	taskCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for taskID := range taskCh {
				terminal, err := p.processor.Process(ctx, taskID)
				if err != nil {
					log.Printf("[worker-%d] process task %s error: %v", n, taskID, err)
				}

				// Ack only once a terminal status is durably in the
				// store. Without a terminal write the lease must lapse
				// so the reaper requeues the id and another attempt
				// finishes the job.
				if !terminal {
					log.Printf("[worker-%d] task %s left for lease-expiry redelivery", n, taskID)
					continue
				}
				if ackErr := p.queue.Ack(ctx, taskID); ackErr != nil {
					log.Printf("[worker-%d] ack task %s error: %v", n, taskID, ackErr)
				}
			}
		}(i + 1)
	}

	// Listener: atomically claim from queue -> processing
	for {
		select {
		case <-ctx.Done():
			close(taskCh)
			log.Println("worker pool stopped")
			return
		default:
			taskID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel is not fatal
				continue
			}
			select {
			case taskCh <- taskID:
			case <-ctx.Done():
				close(taskCh)
				return
			}
		}
	}
}
