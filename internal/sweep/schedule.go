package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeSweep  = "sweep:run"
	sweepQueue = "sweep"
)

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil,
		asynq.Queue(sweepQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Minute),
	)
}

func (s *Sweeper) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	if _, err := s.Run(ctx, false); err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	return nil
}

// Serve registers the periodic sweep with an asynq scheduler and processes
// it with a single-concurrency server until ctx is cancelled.
func (s *Sweeper) Serve(ctx context.Context, redisURL, cronspec string) error {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}

	scheduler := asynq.NewScheduler(opt, nil)
	entryID, err := scheduler.Register(cronspec, NewSweepTask())
	if err != nil {
		return fmt.Errorf("failed to register sweep schedule %q: %w", cronspec, err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			sweepQueue: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSweep, s.HandleSweepTask)

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start sweep scheduler: %w", err)
	}
	if err := srv.Start(mux); err != nil {
		scheduler.Shutdown()
		return fmt.Errorf("failed to start sweep server: %w", err)
	}

	log.Printf("[Sweep] Scheduled %s (entry %s)", cronspec, entryID)

	<-ctx.Done()
	srv.Shutdown()
	scheduler.Shutdown()
	return nil
}
