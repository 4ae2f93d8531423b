package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/google/uuid"
)

// Memory is an in-process Store used when DATABASE_URL is empty and in tests.
// It applies the same compare-and-set rules as the Postgres store. Videos
// and jobs have separate locks; UpdateVideo takes the job lock only while
// it copies the video's jobs.
type Memory struct {
	mu     sync.Mutex
	videos map[uuid.UUID]models.Video

	jobMu sync.Mutex
	jobs  map[uuid.UUID]models.SceneJob
}

func NewMemory() *Memory {
	return &Memory{
		videos: make(map[uuid.UUID]models.Video),
		jobs:   make(map[uuid.UUID]models.SceneJob),
	}
}

func cloneVideo(v models.Video) models.Video {
	v.Scenes = append(models.Scenes(nil), v.Scenes...)
	return v
}

func (m *Memory) CreateVideo(ctx context.Context, video *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.videos[video.ID]; ok {
		return fmt.Errorf("video %s already exists", video.ID)
	}
	now := time.Now()
	video.CreatedAt, video.UpdatedAt = now, now
	m.videos[video.ID] = cloneVideo(*video)
	return nil
}

func (m *Memory) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	v = cloneVideo(v)
	return &v, nil
}

func (m *Memory) ListVideosByOwner(ctx context.Context, ownerID string) ([]models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var videos []models.Video
	for _, v := range m.videos {
		if v.OwnerID == ownerID {
			videos = append(videos, cloneVideo(v))
		}
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos, nil
}

func (m *Memory) ListOwners(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var owners []string
	for _, v := range m.videos {
		if !seen[v.OwnerID] {
			seen[v.OwnerID] = true
			owners = append(owners, v.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *Memory) UpdateVideo(ctx context.Context, id uuid.UUID, fn func(*models.Video, []models.SceneJob) error) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	v = cloneVideo(v)
	jobs, err := m.ListSceneJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(&v, jobs); err != nil {
		return nil, err
	}
	v.UpdatedAt = time.Now()
	m.videos[id] = cloneVideo(v)
	return &v, nil
}

func (m *Memory) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.videos[id]; !ok {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	delete(m.videos, id)
	return nil
}

func (m *Memory) CreateSceneJob(ctx context.Context, job *models.SceneJob) error {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("scene job %s already exists", job.ID)
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) GetSceneJob(ctx context.Context, id uuid.UUID) (*models.SceneJob, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("scene job %s: %w", id, ErrNotFound)
	}
	return &j, nil
}

func (m *Memory) ListSceneJobs(ctx context.Context, videoID uuid.UUID) ([]models.SceneJob, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	var jobs []models.SceneJob
	for _, j := range m.jobs {
		if j.VideoID == videoID {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].SceneIndex < jobs[j].SceneIndex
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (m *Memory) TransitionSceneJob(ctx context.Context, job *models.SceneJob) (bool, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return false, fmt.Errorf("scene job %s: %w", job.ID, ErrNotFound)
	}
	if !models.CanTransition(stored.Status, job.Status) {
		return false, nil
	}

	now := time.Now()
	job.UpdatedAt = now
	if job.Status.IsTerminal() && job.FinishedAt == nil {
		job.FinishedAt = &now
	}
	job.CreatedAt = stored.CreatedAt
	m.jobs[job.ID] = *job
	return true, nil
}

func (m *Memory) RecordSceneJobMirror(ctx context.Context, id uuid.UUID, mirroredURL, key, mirrorErr string) (bool, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("scene job %s: %w", id, ErrNotFound)
	}
	if j.Status != models.JobStatusCompleted || j.MirroredURL != "" {
		return false, nil
	}
	j.MirroredURL = mirroredURL
	j.MirrorKey = key
	j.MirrorError = mirrorErr
	j.UpdatedAt = time.Now()
	m.jobs[id] = j
	return true, nil
}

func (m *Memory) DeleteSceneJobs(ctx context.Context, videoID uuid.UUID) error {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	for id, j := range m.jobs {
		if j.VideoID == videoID {
			delete(m.jobs, id)
		}
	}
	return nil
}
