package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// originChecker accepts the same origins as the CORS middleware. Requests
// without an Origin header are not from a browser and are let through.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// StreamVideoStatus handles GET /v1/videos/{id}/ws. It runs the status
// check on a timer and pushes each refreshed video until no scene job is
// left running.
func (h *Handler) StreamVideoStatus(w http.ResponseWriter, r *http.Request) {
	videoID, ok := parseID(w, r, "id", "Invalid video ID")
	if !ok {
		return
	}
	owner := ownerFrom(r)

	// Resolve ownership before upgrading so a foreign video gets a plain 404.
	if _, err := h.pipeline.GetVideo(r.Context(), owner, videoID); err != nil {
		respondPipelineError(w, err, "Failed to get video")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Stream] Upgrade failed for video %s: %v", videoID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		status, err := h.pipeline.CheckStatus(ctx, owner, videoID)
		if err != nil {
			if ctx.Err() == nil {
				conn.WriteJSON(map[string]string{"error": err.Error()})
			}
			return
		}
		if err := conn.WriteJSON(status); err != nil {
			return
		}
		if !status.Polling {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.Video.Status)))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
