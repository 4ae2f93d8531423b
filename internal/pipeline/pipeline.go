// Package pipeline owns the scene job state machine and every
// read-modify-write of a video's scene list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/google/uuid"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrNotFound             = db.ErrNotFound
	ErrProviderTimeout      = errors.New("provider timed out")
	ErrProviderFailed       = errors.New("provider reported failure")
	ErrAllSubmissionsFailed = errors.New("every scene submission failed")
	ErrJobInFlight          = errors.New("scene already has a job in flight")
)

// AssetMirror re-hosts provider assets. *mirror.Mirror implements it.
type AssetMirror interface {
	Mirror(ctx context.Context, sourceURL, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Scheduler starts the background continuation for a freshly submitted job.
type Scheduler interface {
	Schedule(ctx context.Context, job models.SceneJob) error
}

type Config struct {
	PollInterval    time.Duration
	PollMaxAttempts int
}

// Timeout is how long a job may stay non-terminal before it is failed.
func (c Config) Timeout() time.Duration {
	return c.PollInterval * time.Duration(c.PollMaxAttempts)
}

type Pipeline struct {
	store     db.Store
	provider  provider.Client
	mirror    AssetMirror
	scheduler Scheduler
	cfg       Config
	now       func() time.Time
}

func New(store db.Store, p provider.Client, m AssetMirror, cfg Config) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 300
	}
	return &Pipeline{
		store:    store,
		provider: p,
		mirror:   m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetScheduler wires the continuation scheduler. It is set after
// construction because the worker that implements it needs the pipeline.
func (p *Pipeline) SetScheduler(s Scheduler) {
	p.scheduler = s
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// ownedVideo loads a video and hides it from every account but its owner.
func (p *Pipeline) ownedVideo(ctx context.Context, ownerID string, videoID uuid.UUID) (*models.Video, error) {
	video, err := p.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.OwnerID != ownerID {
		return nil, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	return video, nil
}
