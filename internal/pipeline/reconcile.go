package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const reconcilePollLimit = 4

// CheckStatus is the on-demand status path. Every non-terminal job of the
// video is polled once and settled through the same transition as the
// background continuation, then the scene list and aggregate status are
// rebuilt from the jobs.
func (p *Pipeline) CheckStatus(ctx context.Context, ownerID string, videoID uuid.UUID) (*models.VideoStatusResponse, error) {
	if _, err := p.ownedVideo(ctx, ownerID, videoID); err != nil {
		return nil, err
	}

	jobs, err := p.store.ListSceneJobs(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scene jobs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(reconcilePollLimit)
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job := job
		g.Go(func() error {
			p.reconcileJob(ctx, job)
			return nil
		})
	}
	g.Wait()

	video, err := p.SyncVideo(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to sync video: %w", err)
	}

	jobs, err = p.store.ListSceneJobs(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scene jobs: %w", err)
	}

	return &models.VideoStatusResponse{
		Video:   video,
		Jobs:    jobs,
		Polling: models.HasActiveJobs(video.Scenes),
	}, nil
}

// reconcileJob polls one job and settles it. A job past its deadline is
// timed out only when the provider still reports it running, so an asset
// that finished late is never thrown away.
func (p *Pipeline) reconcileJob(ctx context.Context, job models.SceneJob) {
	if job.ProviderJobID == "" {
		if p.jobExpired(job) {
			p.timeoutJob(ctx, job)
		}
		return
	}

	pred, err := p.provider.Poll(ctx, job.ProviderJobID)
	if err != nil {
		if errors.Is(err, provider.ErrTransient) {
			log.Printf("[Reconcile] Transient poll error for job %s: %v", job.ID, err)
			return
		}
		log.Printf("[Reconcile] Poll error for job %s: %v", job.ID, err)
		if p.jobExpired(job) {
			p.timeoutJob(ctx, job)
		}
		return
	}

	if !pred.Status.IsTerminal() && p.jobExpired(job) {
		p.timeoutJob(ctx, job)
		return
	}

	if _, _, err := p.Settle(ctx, job, pred, PathReconcile); err != nil {
		log.Printf("[Reconcile] Failed to settle job %s: %v", job.ID, err)
	}
}

func (p *Pipeline) timeoutJob(ctx context.Context, job models.SceneJob) {
	reason := fmt.Errorf("%w after %v", ErrProviderTimeout, p.cfg.Timeout())
	if _, _, err := p.FailJob(ctx, job, reason, PathReconcile); err != nil {
		log.Printf("[Reconcile] Failed to time out job %s: %v", job.ID, err)
	}
}
