package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxScenesPerRequest = 50
	maxPromptLength     = 4000
)

type GenerateResult struct {
	Video  *models.Video
	JobIDs []uuid.UUID
}

func validateGenerate(req models.GenerateVideoRequest) error {
	if len(req.Scenes) == 0 {
		return fmt.Errorf("%w: at least one scene is required", ErrInvalidRequest)
	}
	if len(req.Scenes) > maxScenesPerRequest {
		return fmt.Errorf("%w: at most %d scenes per request", ErrInvalidRequest, maxScenesPerRequest)
	}
	for i, s := range req.Scenes {
		if strings.TrimSpace(s.Prompt) == "" {
			return fmt.Errorf("%w: scene %d has an empty prompt", ErrInvalidRequest, i+1)
		}
		if len(s.Prompt) > maxPromptLength {
			return fmt.Errorf("%w: scene %d prompt exceeds %d characters", ErrInvalidRequest, i+1, maxPromptLength)
		}
	}
	if req.DurationSec < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Generate creates a video (or appends to an existing one) and submits one
// provider job per scene in parallel. A failed submission is recorded as a
// failed scene job and does not affect its siblings; only when every
// submission fails is an error returned, alongside the persisted video.
func (p *Pipeline) Generate(ctx context.Context, ownerID string, req models.GenerateVideoRequest) (*GenerateResult, error) {
	if err := validateGenerate(req); err != nil {
		return nil, err
	}

	video, err := p.videoForGenerate(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}

	base := len(video.Scenes)
	scenes := make([]models.Scene, len(req.Scenes))
	for i, spec := range req.Scenes {
		scenes[i] = models.Scene{
			ID:          uuid.New(),
			SceneNumber: base + i + 1,
			Prompt:      spec.Prompt,
			Narration:   spec.Narration,
			ImageURL:    spec.ImageURL,
		}
	}

	jobs := make([]models.SceneJob, len(scenes))
	var g errgroup.Group
	for i := range scenes {
		i := i
		g.Go(func() error {
			jobs[i] = p.submitScene(ctx, video, scenes[i])
			return nil
		})
	}
	g.Wait()

	for i := range scenes {
		id := jobs[i].ID
		scenes[i].JobID = &id
	}

	video, err = p.store.UpdateVideo(ctx, video.ID, func(v *models.Video, all []models.SceneJob) error {
		v.Scenes = models.DeriveScenes(append(v.Scenes, scenes...), all)
		v.Status = models.AggregateStatus(v.Scenes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach scenes: %w", err)
	}

	result := &GenerateResult{Video: video, JobIDs: make([]uuid.UUID, len(jobs))}
	var firstErr string
	started := 0
	for i, job := range jobs {
		result.JobIDs[i] = job.ID
		if job.Status == models.JobStatusFailed {
			if firstErr == "" {
				firstErr = job.Error
			}
			continue
		}
		started++
		p.schedule(ctx, job)
	}

	log.Printf("[Generate] Video %s: %d/%d scenes submitted (owner=%s)", video.ID, started, len(jobs), ownerID)

	if started == 0 {
		return result, fmt.Errorf("%w: %s", ErrAllSubmissionsFailed, firstErr)
	}
	return result, nil
}

func (p *Pipeline) videoForGenerate(ctx context.Context, ownerID string, req models.GenerateVideoRequest) (*models.Video, error) {
	if req.VideoID != nil {
		return p.ownedVideo(ctx, ownerID, *req.VideoID)
	}

	video := &models.Video{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       req.Title,
		Status:      models.VideoStatusProcessing,
		Scenes:      models.Scenes{},
		Model:       req.Model,
		AspectRatio: req.AspectRatio,
		DurationSec: req.DurationSec,
	}
	if err := p.store.CreateVideo(ctx, video); err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}
	return video, nil
}

// submitScene calls the provider and persists the resulting job, starting
// or failed. It never returns an error so sibling scenes are unaffected.
func (p *Pipeline) submitScene(ctx context.Context, video *models.Video, scene models.Scene) models.SceneJob {
	job := models.SceneJob{
		ID:         uuid.New(),
		VideoID:    video.ID,
		OwnerID:    video.OwnerID,
		SceneID:    scene.ID,
		SceneIndex: scene.SceneNumber,
		Status:     models.JobStatusStarting,
		Provider:   p.provider.Name(),
	}

	providerJobID, err := p.provider.Submit(ctx, provider.Request{
		Prompt:      scene.Prompt,
		ImageURL:    scene.ImageURL,
		Model:       video.Model,
		AspectRatio: video.AspectRatio,
		DurationSec: video.DurationSec,
	})
	if err != nil {
		now := p.now()
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		job.FinishedAt = &now
		log.Printf("[Generate] Scene %d of video %s failed to submit: %v", scene.SceneNumber, video.ID, err)
	} else {
		job.ProviderJobID = providerJobID
	}

	if err := p.store.CreateSceneJob(ctx, &job); err != nil {
		// The provider job exists but is untracked; surface it as a failed job.
		log.Printf("[Generate] Failed to persist job for scene %d of video %s: %v", scene.SceneNumber, video.ID, err)
		now := p.now()
		job.Status = models.JobStatusFailed
		job.Error = fmt.Sprintf("failed to persist scene job: %v", err)
		job.FinishedAt = &now
	}

	return job
}

func (p *Pipeline) schedule(ctx context.Context, job models.SceneJob) {
	if p.scheduler == nil {
		return
	}
	if err := p.scheduler.Schedule(ctx, job); err != nil {
		// The reconciler still polls the job on the next status check.
		log.Printf("[Generate] Failed to schedule continuation for job %s: %v", job.ID, err)
	}
}

// Regenerate submits a brand-new job for one scene. The previous job is
// kept for audit and the scene keeps its current video URL until the new
// render lands.
func (p *Pipeline) Regenerate(ctx context.Context, ownerID string, videoID, sceneID uuid.UUID) (*models.SceneJob, error) {
	video, err := p.ownedVideo(ctx, ownerID, videoID)
	if err != nil {
		return nil, err
	}

	idx := video.SceneByID(sceneID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrSceneNotFound, sceneID)
	}
	scene := video.Scenes[idx]
	if scene.HasAttempt() && !scene.Status.IsTerminal() {
		return nil, ErrJobInFlight
	}

	job := p.submitScene(ctx, video, scene)

	_, err = p.store.UpdateVideo(ctx, videoID, func(v *models.Video, all []models.SceneJob) error {
		i := v.SceneByID(sceneID)
		if i < 0 {
			return fmt.Errorf("%w: %s", models.ErrSceneNotFound, sceneID)
		}
		id := job.ID
		v.Scenes[i].JobID = &id
		v.Scenes = models.DeriveScenes(v.Scenes, all)
		v.Status = models.AggregateStatus(v.Scenes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach regenerated job: %w", err)
	}

	if job.Status == models.JobStatusFailed {
		return &job, fmt.Errorf("%w: %s", ErrAllSubmissionsFailed, job.Error)
	}

	p.schedule(ctx, job)
	log.Printf("[Generate] Scene %s of video %s regenerating as job %s", sceneID, videoID, job.ID)
	return &job, nil
}

// jobExpired reports whether a non-terminal job has outlived the poll budget.
func (p *Pipeline) jobExpired(job models.SceneJob) bool {
	return !job.Status.IsTerminal() && p.now().Sub(job.CreatedAt) > p.cfg.Timeout()+p.cfg.PollInterval
}
