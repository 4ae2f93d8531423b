package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/bobarin/sceneforge/internal/metrics"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/bobarin/sceneforge/internal/storage"
	"github.com/google/uuid"
)

const (
	PathWorker    = "worker"
	PathReconcile = "reconcile"
)

// Settle applies one provider observation to a scene job. It is the only
// place a job changes status, and both the background continuation and the
// reconciler call it. The write is a compare-and-set on non-terminal status,
// so when both paths race exactly one transition lands and the loser gets
// the stored job back with applied=false.
func (p *Pipeline) Settle(ctx context.Context, job models.SceneJob, pred *provider.Prediction, path string) (*models.SceneJob, bool, error) {
	latest, err := p.store.GetSceneJob(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	if latest.Status.IsTerminal() {
		return latest, false, nil
	}

	next := *latest
	switch pred.Status {
	case provider.StatusStarting:
		return latest, false, nil
	case provider.StatusProcessing:
		if latest.Status == models.JobStatusProcessing {
			return latest, false, nil
		}
		next.Status = models.JobStatusProcessing
	case provider.StatusSucceeded:
		next.Status = models.JobStatusCompleted
		next.OutputURL = pred.Output
		p.mirrorInto(ctx, &next)
	case provider.StatusFailed:
		msg := pred.Error
		if msg == "" {
			msg = "unknown error"
		}
		next.Status = models.JobStatusFailed
		next.Error = fmt.Sprintf("%v: %s", ErrProviderFailed, msg)
	default:
		return latest, false, fmt.Errorf("unknown prediction status %q", pred.Status)
	}

	return p.transition(ctx, next, path)
}

// FailJob moves a non-terminal job to failed with the given reason.
func (p *Pipeline) FailJob(ctx context.Context, job models.SceneJob, reason error, path string) (*models.SceneJob, bool, error) {
	latest, err := p.store.GetSceneJob(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	if latest.Status.IsTerminal() {
		return latest, false, nil
	}

	next := *latest
	next.Status = models.JobStatusFailed
	next.Error = reason.Error()
	return p.transition(ctx, next, path)
}

func (p *Pipeline) transition(ctx context.Context, next models.SceneJob, path string) (*models.SceneJob, bool, error) {
	applied, err := p.store.TransitionSceneJob(ctx, &next)
	if err != nil {
		return nil, false, err
	}

	if !applied {
		latest, err := p.store.GetSceneJob(ctx, next.ID)
		if err != nil {
			return nil, false, err
		}
		log.Printf("[Settle] Job %s already %s, %s transition to %s dropped", next.ID, latest.Status, path, next.Status)
		return latest, false, nil
	}

	metrics.JobSettled(ctx, string(next.Status), path)
	log.Printf("[Settle] Job %s -> %s (%s, video=%s, scene=%d)", next.ID, next.Status, path, next.VideoID, next.SceneIndex)

	if next.Status.IsTerminal() {
		if _, err := p.SyncVideo(ctx, next.VideoID); err != nil {
			return &next, true, fmt.Errorf("failed to sync video after settle: %w", err)
		}
	}

	return &next, true, nil
}

// mirrorInto copies the provider asset to owned storage. A failed mirror
// leaves the provider URL in place and records the reason.
func (p *Pipeline) mirrorInto(ctx context.Context, job *models.SceneJob) {
	if p.mirror == nil || job.OutputURL == "" {
		return
	}
	key := storage.SceneAssetKey(job.OwnerID, job.VideoID, job.SceneIndex, job.ID)
	url, err := p.mirror.Mirror(ctx, job.OutputURL, key)
	if err != nil {
		job.MirrorError = err.Error()
		return
	}
	job.MirroredURL = url
	job.MirrorKey = key
	job.MirrorError = ""
}

// SyncVideo rebuilds the scene list from the latest jobs and recomputes the
// aggregate status. Jobs are read after the video is locked, so a later sync
// never sees older jobs than an earlier one.
func (p *Pipeline) SyncVideo(ctx context.Context, videoID uuid.UUID) (*models.Video, error) {
	return p.store.UpdateVideo(ctx, videoID, func(v *models.Video, jobs []models.SceneJob) error {
		v.Scenes = models.DeriveScenes(v.Scenes, jobs)
		v.Status = models.AggregateStatus(v.Scenes)
		return nil
	})
}
