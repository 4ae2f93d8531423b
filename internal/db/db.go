package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store is the persistence surface shared by the orchestrator, the
// reconciler, the sweep and the API. DB (Postgres) and Memory implement it.
type Store interface {
	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ListVideosByOwner(ctx context.Context, ownerID string) ([]models.Video, error)
	ListOwners(ctx context.Context) ([]string, error)
	// UpdateVideo applies fn to the latest copy of the video and persists the
	// result atomically with respect to other UpdateVideo calls. fn also
	// receives the video's scene jobs, read after the video was locked.
	UpdateVideo(ctx context.Context, id uuid.UUID, fn func(*models.Video, []models.SceneJob) error) (*models.Video, error)
	DeleteVideo(ctx context.Context, id uuid.UUID) error

	CreateSceneJob(ctx context.Context, job *models.SceneJob) error
	GetSceneJob(ctx context.Context, id uuid.UUID) (*models.SceneJob, error)
	ListSceneJobs(ctx context.Context, videoID uuid.UUID) ([]models.SceneJob, error)
	// TransitionSceneJob writes job only if the stored row is still
	// non-terminal. It reports whether the write was applied.
	TransitionSceneJob(ctx context.Context, job *models.SceneJob) (bool, error)
	// RecordSceneJobMirror stores a mirror result on a completed job that has
	// no mirrored URL yet. It reports whether the write was applied.
	RecordSceneJobMirror(ctx context.Context, id uuid.UUID, mirroredURL, key, mirrorErr string) (bool, error)
	DeleteSceneJobs(ctx context.Context, videoID uuid.UUID) error
}

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	id           UUID PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	scenes       JSONB NOT NULL DEFAULT '[]',
	model        TEXT NOT NULL DEFAULT '',
	aspect_ratio TEXT NOT NULL DEFAULT '',
	duration_sec INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS videos_owner_idx ON videos (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS scene_jobs (
	id              UUID PRIMARY KEY,
	video_id        UUID NOT NULL,
	owner_id        TEXT NOT NULL,
	scene_id        UUID NOT NULL,
	scene_index     INTEGER NOT NULL,
	status          TEXT NOT NULL,
	provider        TEXT NOT NULL DEFAULT '',
	provider_job_id TEXT NOT NULL DEFAULT '',
	output_url      TEXT NOT NULL DEFAULT '',
	mirrored_url    TEXT NOT NULL DEFAULT '',
	mirror_key      TEXT NOT NULL DEFAULT '',
	mirror_error    TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS scene_jobs_video_idx ON scene_jobs (video_id, created_at);
`

// Migrate creates the tables if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
