package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video
// Deferred request pattern: POST /videos/generations returns a request_id,
// GET /videos/{request_id} reports pending, failed, or the finished video.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultDuration   = 8
	xaiDefaultAspect     = "16:9"
	xaiDefaultResolution = "720p"
)

type XAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewXAIClient(apiKey string) *XAIClient {
	return &XAIClient{
		baseURL: xaiBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not per job
		},
	}
}

func (c *XAIClient) Name() string { return "xai" }

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response from GET /v1/videos/{request_id}.
// A finished generation carries a video object and no status field.
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func clampXAIDuration(d int) int {
	if d <= 0 {
		return xaiDefaultDuration
	}
	if d < xaiMinDuration {
		return xaiMinDuration
	}
	if d > xaiMaxDuration {
		return xaiMaxDuration
	}
	return d
}

func (c *XAIClient) Submit(ctx context.Context, req Request) (string, error) {
	model := xaiVideoModel
	if req.Model != "" {
		model = req.Model
	}
	aspect := xaiDefaultAspect
	if req.AspectRatio != "" {
		aspect = req.AspectRatio
	}

	reqBody := xaiGenerationRequest{
		Prompt:      req.Prompt,
		Model:       model,
		Duration:    clampXAIDuration(req.DurationSec),
		AspectRatio: aspect,
		Resolution:  xaiDefaultResolution,
	}
	if req.ImageURL != "" {
		reqBody.Image = &xaiImageInput{URL: req.ImageURL}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v: %w", err, ErrUnavailable)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %v: %w", err, ErrUnavailable)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", classifySubmitStatus("xAI", resp.StatusCode, body)
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %v: %w", err, ErrRejected)
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s: %w", truncate(string(body), 200), ErrRejected)
	}

	log.Printf("[Provider] xAI generation submitted (request_id=%s, promptLen=%d, hasImage=%v, duration=%ds, aspect=%s)",
		genResp.RequestID, len(req.Prompt), req.ImageURL != "", reqBody.Duration, aspect)
	return genResp.RequestID, nil
}

func (c *XAIClient) Poll(ctx context.Context, jobID string) (*Prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v: %w", err, ErrTransient)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %v: %w", err, ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %v: %w", err, ErrTransient)
	}

	// 202 with {"status":"pending"} while rendering, 200 once finished
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s: %w", resp.StatusCode, truncate(string(body), 200), ErrTransient)
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %v: %w", err, ErrTransient)
	}

	if result.Video != nil && result.Video.URL != "" {
		return &Prediction{Status: StatusSucceeded, Output: result.Video.URL}, nil
	}

	switch strings.ToLower(result.Status) {
	case "failed", "expired":
		msg := result.Error
		if msg == "" {
			msg = "video generation " + strings.ToLower(result.Status)
		}
		return &Prediction{Status: StatusFailed, Error: msg}, nil
	default:
		return &Prediction{Status: StatusProcessing}, nil
	}
}
