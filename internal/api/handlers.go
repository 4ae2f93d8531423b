package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/bobarin/sceneforge/internal/compose"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pipeline"
	"github.com/bobarin/sceneforge/internal/planner"
	"github.com/bobarin/sceneforge/internal/sweep"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultStreamInterval = 3 * time.Second

type Handler struct {
	pipeline *pipeline.Pipeline
	composer *compose.Engine
	planner  *planner.Planner // nil when OPENAI_API_KEY is unset
	sweeper  *sweep.Sweeper

	streamInterval time.Duration
	upgrader       websocket.Upgrader // origin check set by NewRouter
}

func NewHandler(p *pipeline.Pipeline, c *compose.Engine, pl *planner.Planner, s *sweep.Sweeper) *Handler {
	return &Handler{
		pipeline:       p,
		composer:       c,
		planner:        pl,
		sweeper:        s,
		streamInterval: defaultStreamInterval,
	}
}

// CreateVideo handles POST /v1/videos. With video_id set the scenes are
// appended to an existing video.
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.pipeline.Generate(r.Context(), ownerFrom(r), req)
	if err != nil && res != nil && errors.Is(err, pipeline.ErrAllSubmissionsFailed) {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":         err.Error(),
			"video_id":      res.Video.ID,
			"scene_job_ids": res.JobIDs,
		})
		return
	}
	if err != nil {
		respondPipelineError(w, err, "Failed to create video")
		return
	}

	respondJSON(w, http.StatusAccepted, models.GenerateVideoResponse{
		VideoID:     res.Video.ID,
		SceneJobIDs: res.JobIDs,
		Status:      res.Video.Status,
	})
}

// ListVideos handles GET /v1/videos
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.pipeline.ListVideos(r.Context(), ownerFrom(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list videos")
		return
	}

	summaries := make([]models.VideoSummary, 0, len(videos))
	for _, v := range videos {
		summaries = append(summaries, models.VideoSummary{
			ID:         v.ID,
			Title:      v.Title,
			Status:     v.Status,
			SceneCount: len(v.Scenes),
			CreatedAt:  v.CreatedAt,
			UpdatedAt:  v.UpdatedAt,
		})
	}

	respondJSON(w, http.StatusOK, models.ListVideosResponse{
		Videos: summaries,
		Total:  len(summaries),
	})
}

// GetVideo handles GET /v1/videos/{id}. It reads stored state only.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}

	video, err := h.pipeline.GetVideo(r.Context(), ownerFrom(r), videoID)
	if err != nil {
		respondPipelineError(w, err, "Failed to get video")
		return
	}
	respondJSON(w, http.StatusOK, video)
}

// DeleteVideo handles DELETE /v1/videos/{id}
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}

	if err := h.pipeline.DeleteVideo(r.Context(), ownerFrom(r), videoID); err != nil {
		respondPipelineError(w, err, "Failed to delete video")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetVideoStatus handles GET /v1/videos/{id}/status. Every unfinished scene
// job is polled once before the refreshed video is returned.
func (h *Handler) GetVideoStatus(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}

	status, err := h.pipeline.CheckStatus(r.Context(), ownerFrom(r), videoID)
	if err != nil {
		respondPipelineError(w, err, "Failed to check video status")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type updateSceneRequest struct {
	Narration string `json:"narration"`
}

// UpdateScene handles PATCH /v1/videos/{id}/scenes/{sceneId}
func (h *Handler) UpdateScene(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}
	sceneID, ok := parseID(w, r, "sceneId", "Invalid scene ID")
	if !ok {
		return
	}

	var req updateSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	video, err := h.pipeline.UpdateNarration(r.Context(), ownerFrom(r), videoID, sceneID, req.Narration)
	if err != nil {
		respondPipelineError(w, err, "Failed to update scene")
		return
	}
	respondJSON(w, http.StatusOK, video)
}

type reorderRequest struct {
	Order []uuid.UUID `json:"order"`
}

// ReorderScenes handles PUT /v1/videos/{id}/scenes/order
func (h *Handler) ReorderScenes(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}

	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	video, err := h.pipeline.ReorderScenes(r.Context(), ownerFrom(r), videoID, req.Order)
	if err != nil {
		respondPipelineError(w, err, "Failed to reorder scenes")
		return
	}
	respondJSON(w, http.StatusOK, video)
}

// DeleteScene handles DELETE /v1/videos/{id}/scenes/{sceneId}
func (h *Handler) DeleteScene(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}
	sceneID, ok := parseID(w, r, "sceneId", "Invalid scene ID")
	if !ok {
		return
	}

	video, err := h.pipeline.DeleteScene(r.Context(), ownerFrom(r), videoID, sceneID)
	if err != nil {
		respondPipelineError(w, err, "Failed to delete scene")
		return
	}
	respondJSON(w, http.StatusOK, video)
}

// RegenerateScene handles POST /v1/videos/{id}/scenes/{sceneId}/regenerate
func (h *Handler) RegenerateScene(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}
	sceneID, ok := parseID(w, r, "sceneId", "Invalid scene ID")
	if !ok {
		return
	}

	job, err := h.pipeline.Regenerate(r.Context(), ownerFrom(r), videoID, sceneID)
	if err != nil {
		respondPipelineError(w, err, "Failed to regenerate scene")
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

type composeRequest struct {
	VideoID *uuid.UUID `json:"video_id,omitempty"`
	compose.Request
}

// Compose handles POST /v1/compose. Segments come either inline or from
// the playable scenes of video_id.
func (h *Handler) Compose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.VideoID != nil {
		video, err := h.pipeline.GetVideo(r.Context(), ownerFrom(r), *req.VideoID)
		if err != nil {
			respondPipelineError(w, err, "Failed to load video")
			return
		}
		req.Segments = compose.SegmentsFromVideo(video)
	}

	res, err := h.composer.Compose(r.Context(), req.Request)
	if errors.Is(err, compose.ErrNoValidSegments) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
			"log":   res.Log,
		})
		return
	}
	if err != nil {
		log.Printf("[Compose] Failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to compose video")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Plan handles POST /v1/plan
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	if h.planner == nil {
		respondError(w, http.StatusNotFound, "Scene planner not configured")
		return
	}

	var req planner.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	plan, err := h.planner.Plan(r.Context(), req)
	if errors.Is(err, planner.ErrInvalidStory) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Printf("[Planner] Failed: %v", err)
		respondError(w, http.StatusBadGateway, "Failed to plan scenes")
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// RunSweep handles POST /v1/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	h.sweep(w, r, false)
}

// DryRunSweep handles GET /v1/sweep: counts repairs without writing.
func (h *Handler) DryRunSweep(w http.ResponseWriter, r *http.Request) {
	h.sweep(w, r, true)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request, dryRun bool) {
	counters, err := h.sweeper.Run(r.Context(), dryRun)
	if err != nil {
		log.Printf("[Sweep] Failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	respondJSON(w, http.StatusOK, counters)
}

func parseID(w http.ResponseWriter, r *http.Request, param, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, message)
		return uuid.Nil, false
	}
	return id, true
}

func respondPipelineError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, models.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		respondError(w, http.StatusNotFound, "Video not found")
	case errors.Is(err, models.ErrSceneNotFound):
		respondError(w, http.StatusNotFound, "Scene not found")
	case errors.Is(err, pipeline.ErrJobInFlight):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrAllSubmissionsFailed):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[API] %s: %v", message, err)
		respondError(w, http.StatusInternalServerError, message)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
