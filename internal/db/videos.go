package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/google/uuid"
)

const videoColumns = `
	id, owner_id, title, status, scenes, model, aspect_ratio, duration_sec,
	created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVideo(row rowScanner) (*models.Video, error) {
	video := &models.Video{}
	err := row.Scan(
		&video.ID, &video.OwnerID, &video.Title, &video.Status, &video.Scenes,
		&video.Model, &video.AspectRatio, &video.DurationSec,
		&video.CreatedAt, &video.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return video, nil
}

func (db *DB) CreateVideo(ctx context.Context, video *models.Video) error {
	query := `
		INSERT INTO videos (
			id, owner_id, title, status, scenes, model, aspect_ratio, duration_sec
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		video.ID, video.OwnerID, video.Title, video.Status, video.Scenes,
		video.Model, video.AspectRatio, video.DurationSec,
	).Scan(&video.CreatedAt, &video.UpdatedAt)
}

func (db *DB) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`

	video, err := scanVideo(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return video, nil
}

// ListVideosByOwner returns an owner's videos, newest first.
func (db *DB) ListVideosByOwner(ctx context.Context, ownerID string) ([]models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, *video)
	}

	return videos, rows.Err()
}

func (db *DB) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM videos ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}

	return owners, rows.Err()
}

// UpdateVideo locks the video row, reads its scene jobs, applies fn and
// writes the result back, all in the same transaction.
func (db *DB) UpdateVideo(ctx context.Context, id uuid.UUID, fn func(*models.Video, []models.SceneJob) error) (*models.Video, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 FOR UPDATE`
	video, err := scanVideo(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock video: %w", err)
	}

	jobs, err := listSceneJobs(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(video, jobs); err != nil {
		return nil, err
	}
	video.UpdatedAt = time.Now()

	update := `
		UPDATE videos
		SET title = $1, status = $2, scenes = $3, model = $4, aspect_ratio = $5,
			duration_sec = $6, updated_at = $7
		WHERE id = $8
	`
	_, err = tx.ExecContext(
		ctx, update,
		video.Title, video.Status, video.Scenes, video.Model, video.AspectRatio,
		video.DurationSec, video.UpdatedAt, video.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update video: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit video update: %w", err)
	}

	return video, nil
}

func (db *DB) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	result, err := db.ExecContext(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return nil
}
