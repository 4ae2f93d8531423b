package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// QueuePollSceneJob carries one entry per scene job whose provider
	// result still has to be awaited.
	QueuePollSceneJob = "queue:poll_scene_job"
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	VideoID    uuid.UUID `json:"video_id"`
	SceneJobID uuid.UUID `json:"scene_job_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

// Dequeue blocks up to timeout; it returns nil, nil when the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueuePollSceneJob schedules the background continuation for a scene job.
func (q *Queue) EnqueuePollSceneJob(ctx context.Context, videoID, sceneJobID uuid.UUID) error {
	job := &Job{
		ID:         uuid.New(),
		Type:       "poll_scene_job",
		VideoID:    videoID,
		SceneJobID: sceneJobID,
	}
	return q.Enqueue(ctx, QueuePollSceneJob, job)
}

// Schedule lets the queue serve as the orchestrator's continuation scheduler.
func (q *Queue) Schedule(ctx context.Context, job models.SceneJob) error {
	return q.EnqueuePollSceneJob(ctx, job.VideoID, job.ID)
}
