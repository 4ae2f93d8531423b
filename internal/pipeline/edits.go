package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/google/uuid"
)

const maxNarrationLength = 2000

// GetVideo returns a stored video without touching the provider.
func (p *Pipeline) GetVideo(ctx context.Context, ownerID string, videoID uuid.UUID) (*models.Video, error) {
	return p.ownedVideo(ctx, ownerID, videoID)
}

func (p *Pipeline) ListVideos(ctx context.Context, ownerID string) ([]models.Video, error) {
	return p.store.ListVideosByOwner(ctx, ownerID)
}

// editScenes runs fn inside the video's read-modify-write after checking
// ownership, so edits and completion writes never interleave.
func (p *Pipeline) editScenes(ctx context.Context, ownerID string, videoID uuid.UUID, fn func(v *models.Video) error) (*models.Video, error) {
	return p.store.UpdateVideo(ctx, videoID, func(v *models.Video, _ []models.SceneJob) error {
		if v.OwnerID != ownerID {
			return fmt.Errorf("video %s: %w", videoID, ErrNotFound)
		}
		if err := fn(v); err != nil {
			return err
		}
		v.Status = models.AggregateStatus(v.Scenes)
		return nil
	})
}

func (p *Pipeline) UpdateNarration(ctx context.Context, ownerID string, videoID, sceneID uuid.UUID, narration string) (*models.Video, error) {
	narration = strings.TrimSpace(narration)
	if len(narration) > maxNarrationLength {
		return nil, fmt.Errorf("%w: narration exceeds %d characters", ErrInvalidRequest, maxNarrationLength)
	}
	return p.editScenes(ctx, ownerID, videoID, func(v *models.Video) error {
		i := v.SceneByID(sceneID)
		if i < 0 {
			return fmt.Errorf("%w: %s", models.ErrSceneNotFound, sceneID)
		}
		v.Scenes[i].Narration = narration
		return nil
	})
}

func (p *Pipeline) ReorderScenes(ctx context.Context, ownerID string, videoID uuid.UUID, order []uuid.UUID) (*models.Video, error) {
	return p.editScenes(ctx, ownerID, videoID, func(v *models.Video) error {
		scenes, err := models.ReorderScenes(v.Scenes, order)
		if err != nil {
			return err
		}
		v.Scenes = scenes
		return nil
	})
}

// DeleteScene drops a scene from the list. Its jobs stay for audit; a late
// completion for them finds no scene to write to.
func (p *Pipeline) DeleteScene(ctx context.Context, ownerID string, videoID, sceneID uuid.UUID) (*models.Video, error) {
	return p.editScenes(ctx, ownerID, videoID, func(v *models.Video) error {
		scenes, err := models.DeleteScene(v.Scenes, sceneID)
		if err != nil {
			return err
		}
		v.Scenes = scenes
		return nil
	})
}

// DeleteVideo removes the video together with its scene jobs and their
// mirrored objects. Storage failures are logged and do not block the delete.
func (p *Pipeline) DeleteVideo(ctx context.Context, ownerID string, videoID uuid.UUID) error {
	if _, err := p.ownedVideo(ctx, ownerID, videoID); err != nil {
		return err
	}

	jobs, err := p.store.ListSceneJobs(ctx, videoID)
	if err != nil {
		return fmt.Errorf("failed to list scene jobs: %w", err)
	}

	var storageErrs []error
	if p.mirror != nil {
		for _, job := range jobs {
			if job.MirrorKey == "" {
				continue
			}
			if err := p.mirror.Delete(ctx, job.MirrorKey); err != nil {
				storageErrs = append(storageErrs, err)
			}
		}
	}
	if len(storageErrs) > 0 {
		log.Printf("[Delete] Video %s: %d storage objects could not be deleted: %v", videoID, len(storageErrs), errors.Join(storageErrs...))
	}

	if err := p.store.DeleteSceneJobs(ctx, videoID); err != nil {
		return err
	}
	if err := p.store.DeleteVideo(ctx, videoID); err != nil {
		return err
	}

	log.Printf("[Delete] Video %s deleted (%d jobs)", videoID, len(jobs))
	return nil
}
