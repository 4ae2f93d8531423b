package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/google/uuid"
)

const sceneJobColumns = `
	id, video_id, owner_id, scene_id, scene_index, status, provider,
	provider_job_id, output_url, mirrored_url, mirror_key, mirror_error,
	error, created_at, updated_at, finished_at
`

func scanSceneJob(row rowScanner) (*models.SceneJob, error) {
	job := &models.SceneJob{}
	err := row.Scan(
		&job.ID, &job.VideoID, &job.OwnerID, &job.SceneID, &job.SceneIndex,
		&job.Status, &job.Provider, &job.ProviderJobID, &job.OutputURL,
		&job.MirroredURL, &job.MirrorKey, &job.MirrorError, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateSceneJob(ctx context.Context, job *models.SceneJob) error {
	query := `
		INSERT INTO scene_jobs (
			id, video_id, owner_id, scene_id, scene_index, status, provider,
			provider_job_id, error, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.VideoID, job.OwnerID, job.SceneID, job.SceneIndex,
		job.Status, job.Provider, job.ProviderJobID, job.Error, job.FinishedAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetSceneJob(ctx context.Context, id uuid.UUID) (*models.SceneJob, error) {
	query := `SELECT ` + sceneJobColumns + ` FROM scene_jobs WHERE id = $1`

	job, err := scanSceneJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scene job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene job: %w", err)
	}

	return job, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (db *DB) ListSceneJobs(ctx context.Context, videoID uuid.UUID) ([]models.SceneJob, error) {
	return listSceneJobs(ctx, db, videoID)
}

func listSceneJobs(ctx context.Context, q queryer, videoID uuid.UUID) ([]models.SceneJob, error) {
	query := `SELECT ` + sceneJobColumns + ` FROM scene_jobs WHERE video_id = $1 ORDER BY created_at`

	rows, err := q.QueryContext(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scene jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SceneJob
	for rows.Next() {
		job, err := scanSceneJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// TransitionSceneJob is a compare-and-set on status: only rows still in
// starting or processing are overwritten.
func (db *DB) TransitionSceneJob(ctx context.Context, job *models.SceneJob) (bool, error) {
	now := time.Now()
	job.UpdatedAt = now
	if job.Status.IsTerminal() && job.FinishedAt == nil {
		job.FinishedAt = &now
	}

	query := `
		UPDATE scene_jobs
		SET status = $1, provider_job_id = $2, output_url = $3, mirrored_url = $4,
			mirror_key = $5, mirror_error = $6, error = $7, updated_at = $8,
			finished_at = $9
		WHERE id = $10 AND status IN ('starting', 'processing')
			AND NOT (status = 'processing' AND $1 = 'starting')
	`

	result, err := db.ExecContext(
		ctx, query,
		job.Status, job.ProviderJobID, job.OutputURL, job.MirroredURL,
		job.MirrorKey, job.MirrorError, job.Error, job.UpdatedAt,
		job.FinishedAt, job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition scene job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (db *DB) RecordSceneJobMirror(ctx context.Context, id uuid.UUID, mirroredURL, key, mirrorErr string) (bool, error) {
	query := `
		UPDATE scene_jobs
		SET mirrored_url = $1, mirror_key = $2, mirror_error = $3, updated_at = $4
		WHERE id = $5 AND status = 'completed' AND mirrored_url = ''
	`

	result, err := db.ExecContext(ctx, query, mirroredURL, key, mirrorErr, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to record mirror: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (db *DB) DeleteSceneJobs(ctx context.Context, videoID uuid.UUID) error {
	_, err := db.ExecContext(ctx, `DELETE FROM scene_jobs WHERE video_id = $1`, videoID)
	if err != nil {
		return fmt.Errorf("failed to delete scene jobs: %w", err)
	}
	return nil
}
