package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type VideoStatus string

const (
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

type JobStatus string

const (
	JobStatusStarting   JobStatus = "starting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Scene is one element of Video.Scenes. Everything except Prompt, Narration
// and ImageURL is derived from the scene's SceneJob records.
type Scene struct {
	ID          uuid.UUID  `json:"id"`
	SceneNumber int        `json:"scene_number"`
	Prompt      string     `json:"prompt"`
	Narration   string     `json:"narration,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	VideoURL    string     `json:"video_url"`              // mirrored if available, else provider URL
	MirroredURL string     `json:"mirrored_url,omitempty"` // owned storage copy
	Output      string     `json:"output,omitempty"`       // original provider URL
	MirrorKey   string     `json:"mirror_key,omitempty"`
	MirrorError string     `json:"mirror_error,omitempty"`
	JobID       *uuid.UUID `json:"job_id,omitempty"` // current SceneJob
	Status      JobStatus  `json:"status,omitempty"` // status of the current SceneJob
	Error       string     `json:"error,omitempty"`
}

// HasAttempt reports whether the scene has ever been submitted for rendering.
func (s Scene) HasAttempt() bool {
	return s.JobID != nil
}

// Scenes is stored as a single JSONB document on the video row.
type Scenes []Scene

func (s Scenes) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *Scenes) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported scenes column type %T", value)
	}
	return json.Unmarshal(data, s)
}

// Models

type Video struct {
	ID          uuid.UUID   `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Title       string      `json:"title"`
	Status      VideoStatus `json:"status"`
	Scenes      Scenes      `json:"scenes"`
	Model       string      `json:"model,omitempty"`
	AspectRatio string      `json:"aspect_ratio,omitempty"`
	DurationSec int         `json:"duration_sec,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SceneByID returns the index of the scene with the given id, or -1.
func (v *Video) SceneByID(id uuid.UUID) int {
	for i := range v.Scenes {
		if v.Scenes[i].ID == id {
			return i
		}
	}
	return -1
}

// SceneJob is one rendering attempt for one scene. Jobs are never deleted
// when a scene is regenerated; the scene's JobID points at the current one.
type SceneJob struct {
	ID            uuid.UUID  `json:"id"`
	VideoID       uuid.UUID  `json:"video_id"`
	OwnerID       string     `json:"owner_id"`
	SceneID       uuid.UUID  `json:"scene_id"`
	SceneIndex    int        `json:"scene_index"` // scene_number at submission time
	Status        JobStatus  `json:"status"`
	Provider      string     `json:"provider"`
	ProviderJobID string     `json:"provider_job_id,omitempty"`
	OutputURL     string     `json:"output_url,omitempty"`
	MirroredURL   string     `json:"mirrored_url,omitempty"`
	MirrorKey     string     `json:"mirror_key,omitempty"`
	MirrorError   string     `json:"mirror_error,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// PlayableURL is the URL a scene should point at once this job completes.
func (j SceneJob) PlayableURL() string {
	if j.MirroredURL != "" {
		return j.MirroredURL
	}
	return j.OutputURL
}

// NeedsMirror reports whether the job has a provider asset that is not yet
// re-hosted in owned storage.
func (j SceneJob) NeedsMirror() bool {
	return j.Status == JobStatusCompleted && j.OutputURL != "" && j.MirroredURL == ""
}

// DTOs for API requests and responses

type SceneSpec struct {
	Prompt    string `json:"prompt"`
	Narration string `json:"narration,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

type GenerateVideoRequest struct {
	VideoID     *uuid.UUID  `json:"video_id,omitempty"` // set to append scenes
	Title       string      `json:"title"`
	Model       string      `json:"model,omitempty"`
	AspectRatio string      `json:"aspect_ratio,omitempty"`
	DurationSec int         `json:"duration_sec,omitempty"`
	Scenes      []SceneSpec `json:"scenes"`
}

type GenerateVideoResponse struct {
	VideoID     uuid.UUID   `json:"video_id"`
	SceneJobIDs []uuid.UUID `json:"scene_job_ids"`
	Status      VideoStatus `json:"status"`
}

type VideoStatusResponse struct {
	Video   *Video     `json:"video"`
	Jobs    []SceneJob `json:"jobs"`
	Polling bool       `json:"polling"`
}

type VideoSummary struct {
	ID         uuid.UUID   `json:"id"`
	Title      string      `json:"title"`
	Status     VideoStatus `json:"status"`
	SceneCount int         `json:"scene_count"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type ListVideosResponse struct {
	Videos []VideoSummary `json:"videos"`
	Total  int            `json:"total"`
}
