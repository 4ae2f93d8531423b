package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pipeline"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/bobarin/sceneforge/internal/queue"
	"github.com/google/uuid"
)

// Worker runs the background continuation for submitted scene jobs: it
// polls the provider on a fixed interval and settles each job through the
// pipeline. Continuations arrive either from the Redis queue or, when no
// queue is configured, directly through Schedule.
type Worker struct {
	pipeline *pipeline.Pipeline
	store    db.Store
	provider provider.Client
	queue    *queue.Queue // nil runs continuations in-process

	interval    time.Duration
	maxAttempts int
	timeout     time.Duration

	sem chan struct{} // bounds concurrent provider polls

	mu       sync.Mutex
	inflight map[uuid.UUID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p *pipeline.Pipeline, store db.Store, client provider.Client, q *queue.Queue, maxConcurrent int) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	cfg := p.Config()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		pipeline:    p,
		store:       store,
		provider:    client,
		queue:       q,
		interval:    cfg.PollInterval,
		maxAttempts: cfg.PollMaxAttempts,
		timeout:     cfg.Timeout(),
		sem:         make(chan struct{}, maxConcurrent),
		inflight:    make(map[uuid.UUID]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start resumes unfinished jobs and, when a queue is configured, consumes
// continuations from it. It blocks until ctx is cancelled and every running
// continuation has returned.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d (queue=%v)", concurrency, w.queue != nil)

	if err := w.Resume(ctx); err != nil {
		log.Printf("[Worker] Resume failed: %v", err)
	}

	if w.queue != nil {
		if n, err := w.queue.GetQueueLength(ctx, queue.QueuePollSceneJob); err == nil && n > 0 {
			log.Printf("[Worker] %d continuations waiting in %s", n, queue.QueuePollSceneJob)
		}
		for i := 0; i < concurrency; i++ {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.processQueue(ctx)
			}()
		}
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
	w.Stop()
}

// Stop cancels in-process continuations and waits for them to return.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Schedule implements pipeline.Scheduler. The continuation must outlive the
// request that submitted the job, so in-process runs use the worker's own
// context.
func (w *Worker) Schedule(ctx context.Context, job models.SceneJob) error {
	if w.queue != nil {
		return w.queue.Schedule(ctx, job)
	}
	w.spawn(job.ID)
	return nil
}

func (w *Worker) spawn(jobID uuid.UUID) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.supervise(w.ctx, jobID)
	}()
}

// processQueue hands each dequeued continuation to its own goroutine so a
// long-running poll loop never holds up the rest of the queue.
func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queue.QueuePollSceneJob, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error dequeuing from %s: %v", queue.QueuePollSceneJob, err)
				continue
			}

			if job == nil {
				continue
			}

			log.Printf("Processing continuation %s (scene job %s, video %s)", job.ID, job.SceneJobID, job.VideoID)
			w.spawn(job.SceneJobID)
		}
	}
}

// Resume restarts continuations for every non-terminal job with a provider
// id. Jobs whose continuation was lost in a restart would otherwise only be
// settled by a status check.
func (w *Worker) Resume(ctx context.Context) error {
	owners, err := w.store.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("failed to list owners: %w", err)
	}

	resumed := 0
	for _, owner := range owners {
		videos, err := w.store.ListVideosByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("failed to list videos for %s: %w", owner, err)
		}
		for _, v := range videos {
			jobs, err := w.store.ListSceneJobs(ctx, v.ID)
			if err != nil {
				return fmt.Errorf("failed to list jobs for video %s: %w", v.ID, err)
			}
			for _, job := range jobs {
				if job.Status.IsTerminal() || job.ProviderJobID == "" {
					continue
				}
				w.spawn(job.ID)
				resumed++
			}
		}
	}

	if resumed > 0 {
		log.Printf("[Worker] Resumed %d unfinished scene jobs", resumed)
	}
	return nil
}

// claim marks a job as supervised by this process. It returns false when a
// continuation for the job is already running.
func (w *Worker) claim(jobID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[jobID] {
		return false
	}
	w.inflight[jobID] = true
	return true
}

func (w *Worker) release(jobID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, jobID)
}

func (w *Worker) supervise(ctx context.Context, jobID uuid.UUID) {
	if !w.claim(jobID) {
		return
	}
	defer w.release(jobID)

	if err := w.runContinuation(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Worker] Continuation for job %s ended with error: %v", jobID, err)
	}
}

// poll asks the provider for one job's state. The semaphore bounds how many
// provider calls are in flight at once; it is held only for the call.
func (w *Worker) poll(ctx context.Context, providerJobID string) (*provider.Prediction, error) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-w.sem }()

	return w.provider.Poll(ctx, providerJobID)
}

// runContinuation polls until the job is terminal or the poll budget is
// spent. The budget starts when the continuation starts, and the job is
// only timed out after a poll that still reports it running. Poll errors
// count as attempts. The loop also stops as soon as the job was settled by
// another path.
func (w *Worker) runContinuation(ctx context.Context, jobID uuid.UUID) error {
	job, err := w.store.GetSceneJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load scene job: %w", err)
	}
	if job.Status.IsTerminal() || job.ProviderJobID == "" {
		return nil
	}

	deadline := time.Now().Add(w.timeout)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := w.store.GetSceneJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to reload scene job: %w", err)
		}
		if current.Status.IsTerminal() {
			log.Printf("[Worker] Job %s already %s, stopping continuation", jobID, current.Status)
			return nil
		}

		pred, err := w.poll(ctx, current.ProviderJobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Worker] Poll %d for job %s failed: %v", attempt, jobID, err)
		} else {
			settled, _, err := w.pipeline.Settle(ctx, *current, pred, pipeline.PathWorker)
			if err != nil {
				log.Printf("[Worker] Failed to settle job %s: %v", jobID, err)
			} else if settled.Status.IsTerminal() {
				return nil
			} else {
				current = settled
			}
		}

		if attempt >= w.maxAttempts || time.Now().After(deadline) {
			reason := fmt.Errorf("%w after %d polls", pipeline.ErrProviderTimeout, attempt)
			_, _, err := w.pipeline.FailJob(ctx, *current, reason, pipeline.PathWorker)
			return err
		}
	}
}
