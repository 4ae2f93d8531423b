package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrTerminalJob   = errors.New("scene job already terminal")
	ErrSceneNotFound = errors.New("scene not found")
	ErrInvalidOrder  = errors.New("scene order must list every scene exactly once")
)

// CanTransition reports whether a SceneJob may move from one status to another.
// Terminal states accept nothing, and processing never falls back to starting.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == JobStatusProcessing && to == JobStatusStarting {
		return false
	}
	switch to {
	case JobStatusStarting, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// DeriveScenes rebuilds the scene list from the latest SceneJob records.
// User-owned fields (prompt, narration, order) come from current; render
// fields come from each scene's current job. A non-empty VideoURL is never
// replaced by an empty one.
func DeriveScenes(current []Scene, jobs []SceneJob) []Scene {
	byID := make(map[uuid.UUID]SceneJob, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	out := make([]Scene, len(current))
	for i, s := range current {
		s.SceneNumber = i + 1
		if s.JobID != nil {
			if job, ok := byID[*s.JobID]; ok {
				applyJob(&s, job)
			}
		}
		out[i] = s
	}
	return out
}

func applyJob(s *Scene, job SceneJob) {
	s.Status = job.Status

	switch job.Status {
	case JobStatusCompleted:
		s.Error = ""
		if job.OutputURL != "" {
			s.Output = job.OutputURL
		}
		if job.MirroredURL != "" {
			s.MirroredURL = job.MirroredURL
			s.MirrorKey = job.MirrorKey
		}
		s.MirrorError = job.MirrorError
		if u := job.PlayableURL(); u != "" {
			s.VideoURL = u
		}
	case JobStatusFailed:
		s.Error = job.Error
	default:
		s.Error = ""
	}
}

// AggregateStatus computes the video-level status from the current job of
// every scene that has had a rendering attempt.
//
// While jobs are still in flight the video is failed as soon as one current
// job failed and none completed; otherwise it stays processing. Once every
// job is terminal the video is completed only if every job completed and its
// asset reached owned storage. A scene still served from the provider URL
// keeps the video processing until the sweep mirrors it.
func AggregateStatus(scenes []Scene) VideoStatus {
	var attempted, completed, failed, active int
	mirrored := true

	for _, s := range scenes {
		if !s.HasAttempt() {
			continue
		}
		attempted++
		switch s.Status {
		case JobStatusCompleted:
			completed++
			if s.MirroredURL == "" {
				mirrored = false
			}
		case JobStatusFailed:
			failed++
		default:
			active++
		}
	}

	if attempted == 0 {
		if len(scenes) == 0 {
			return VideoStatusCompleted
		}
		return VideoStatusProcessing
	}

	if active > 0 {
		if failed > 0 && completed == 0 {
			return VideoStatusFailed
		}
		return VideoStatusProcessing
	}

	if failed > 0 {
		return VideoStatusFailed
	}
	if !mirrored {
		return VideoStatusProcessing
	}
	return VideoStatusCompleted
}

// HasActiveJobs reports whether any scene's current job is still running.
// It drives client polling instead of a stored flag.
func HasActiveJobs(scenes []Scene) bool {
	for _, s := range scenes {
		if s.HasAttempt() && !s.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// RenumberScenes rewrites scene_number as a dense 1..N sequence.
func RenumberScenes(scenes []Scene) []Scene {
	for i := range scenes {
		scenes[i].SceneNumber = i + 1
	}
	return scenes
}

// ReorderScenes returns the scenes in the given id order. order must be a
// permutation of the current scene ids.
func ReorderScenes(scenes []Scene, order []uuid.UUID) ([]Scene, error) {
	if len(order) != len(scenes) {
		return nil, ErrInvalidOrder
	}

	byID := make(map[uuid.UUID]Scene, len(scenes))
	for _, s := range scenes {
		byID[s.ID] = s
	}

	out := make([]Scene, 0, len(order))
	seen := make(map[uuid.UUID]bool, len(order))
	for _, id := range order {
		s, ok := byID[id]
		if !ok || seen[id] {
			return nil, ErrInvalidOrder
		}
		seen[id] = true
		out = append(out, s)
	}

	return RenumberScenes(out), nil
}

// DeleteScene removes one scene and renumbers the rest.
func DeleteScene(scenes []Scene, id uuid.UUID) ([]Scene, error) {
	out := make([]Scene, 0, len(scenes))
	found := false
	for _, s := range scenes {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return RenumberScenes(out), nil
}
