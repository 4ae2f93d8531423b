// Package sweep repairs state that the pipeline's two settle paths can
// leave behind: completed scene jobs whose asset never reached owned
// storage, and videos whose aggregate status is stuck at processing.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/metrics"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/storage"
	"github.com/google/uuid"
)

var ErrInconsistentAggregateState = errors.New("aggregate status inconsistent with scenes")

// AssetMirror is the subset of *mirror.Mirror the sweep needs.
type AssetMirror interface {
	Mirror(ctx context.Context, sourceURL, key string) (string, error)
}

type Counters struct {
	VideosScanned     int  `json:"videos_scanned"`
	AssetsMirrored    int  `json:"assets_mirrored"`
	MirrorErrors      int  `json:"mirror_errors"`
	StatusesCorrected int  `json:"statuses_corrected"`
	DryRun            bool `json:"dry_run"`
}

type Sweeper struct {
	store  db.Store
	mirror AssetMirror
}

func New(store db.Store, m AssetMirror) *Sweeper {
	return &Sweeper{store: store, mirror: m}
}

// Run walks every account and video sequentially. It takes no lock of its
// own, so it may overlap with user traffic or another run; a job mirrored
// twice simply keeps the first recorded URL.
//
// In a dry run nothing is written: AssetsMirrored and StatusesCorrected
// report what a real run would attempt.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (Counters, error) {
	c := Counters{DryRun: dryRun}

	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return c, fmt.Errorf("failed to list owners: %w", err)
	}

	for _, owner := range owners {
		videos, err := s.store.ListVideosByOwner(ctx, owner)
		if err != nil {
			return c, fmt.Errorf("failed to list videos for %s: %w", owner, err)
		}
		for _, v := range videos {
			if err := ctx.Err(); err != nil {
				return c, err
			}
			c.VideosScanned++
			if err := s.sweepVideo(ctx, v, dryRun, &c); err != nil {
				log.Printf("[Sweep] Video %s: %v", v.ID, err)
			}
		}
	}

	if !dryRun {
		metrics.SweepRepair(ctx, "mirrored", int64(c.AssetsMirrored))
		metrics.SweepRepair(ctx, "mirror_error", int64(c.MirrorErrors))
		metrics.SweepRepair(ctx, "status_corrected", int64(c.StatusesCorrected))
	}

	log.Printf("[Sweep] Done (dry_run=%v): scanned=%d mirrored=%d mirror_errors=%d corrected=%d",
		dryRun, c.VideosScanned, c.AssetsMirrored, c.MirrorErrors, c.StatusesCorrected)
	return c, nil
}

func (s *Sweeper) sweepVideo(ctx context.Context, video models.Video, dryRun bool, c *Counters) error {
	jobs, err := s.store.ListSceneJobs(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("failed to list scene jobs: %w", err)
	}

	mirrored := 0
	for _, job := range currentJobs(video.Scenes, jobs) {
		if !job.NeedsMirror() {
			continue
		}
		if dryRun {
			c.AssetsMirrored++
			continue
		}
		ok, err := s.remirror(ctx, job)
		if err != nil {
			c.MirrorErrors++
			log.Printf("[Sweep] Mirror retry failed for job %s: %v", job.ID, err)
			continue
		}
		if ok {
			c.AssetsMirrored++
			mirrored++
		}
	}

	if video.Status != models.VideoStatusProcessing && mirrored == 0 {
		return nil
	}

	if dryRun {
		derived := models.DeriveScenes(video.Scenes, jobs)
		if models.AggregateStatus(derived) != video.Status {
			c.StatusesCorrected++
		}
		return nil
	}

	corrected := false
	_, err = s.store.UpdateVideo(ctx, video.ID, func(v *models.Video, latest []models.SceneJob) error {
		v.Scenes = models.DeriveScenes(v.Scenes, latest)
		if v.Status != models.VideoStatusProcessing {
			return nil
		}
		if next := models.AggregateStatus(v.Scenes); next != v.Status {
			log.Printf("[Sweep] Video %s: %v, %s -> %s", v.ID, ErrInconsistentAggregateState, v.Status, next)
			v.Status = next
			corrected = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update video: %w", err)
	}
	if corrected {
		c.StatusesCorrected++
	}
	return nil
}

// remirror retries the storage copy for one job. It reports false when
// another writer recorded a mirrored URL first.
func (s *Sweeper) remirror(ctx context.Context, job models.SceneJob) (bool, error) {
	key := storage.SceneAssetKey(job.OwnerID, job.VideoID, job.SceneIndex, job.ID)
	url, err := s.mirror.Mirror(ctx, job.OutputURL, key)
	if err != nil {
		if _, recErr := s.store.RecordSceneJobMirror(ctx, job.ID, "", "", err.Error()); recErr != nil {
			log.Printf("[Sweep] Failed to record mirror error for job %s: %v", job.ID, recErr)
		}
		return false, err
	}
	return s.store.RecordSceneJobMirror(ctx, job.ID, url, key, "")
}

// currentJobs returns the job each scene currently points at.
func currentJobs(scenes []models.Scene, jobs []models.SceneJob) []models.SceneJob {
	byID := make(map[uuid.UUID]models.SceneJob, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	var out []models.SceneJob
	for _, sc := range scenes {
		if sc.JobID == nil {
			continue
		}
		if j, ok := byID[*sc.JobID]; ok {
			out = append(out, j)
		}
	}
	return out
}
