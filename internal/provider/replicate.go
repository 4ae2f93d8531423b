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
// Replicate-style predictions API
// submit: POST /v1/models/{model}/predictions → {"id": ...}
// poll:   GET  /v1/predictions/{id}           → {"status", "output", "error"}
// ---------------------------------------------------------------------------

const defaultReplicateBaseURL = "https://api.replicate.com"

type ReplicateClient struct {
	baseURL    string
	token      string
	model      string
	httpClient *http.Client
}

func NewReplicateClient(baseURL, token, model string) *ReplicateClient {
	if baseURL == "" {
		baseURL = defaultReplicateBaseURL
	}
	return &ReplicateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *ReplicateClient) Name() string { return "replicate" }

type replicateInput struct {
	Prompt          string `json:"prompt"`
	FirstFrameImage string `json:"first_frame_image,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	Duration        int    `json:"duration,omitempty"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  interface{}     `json:"error"`
}

func (c *ReplicateClient) Submit(ctx context.Context, req Request) (string, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	body, err := json.Marshal(map[string]interface{}{
		"input": replicateInput{
			Prompt:          req.Prompt,
			FirstFrameImage: req.ImageURL,
			AspectRatio:     req.AspectRatio,
			Duration:        req.DurationSec,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/v1/models/%s/predictions", c.baseURL, model), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v: %w", err, ErrUnavailable)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %v: %w", err, ErrUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classifySubmitStatus("replicate", resp.StatusCode, respBody)
	}

	var pred replicatePrediction
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return "", fmt.Errorf("failed to parse prediction: %v: %w", err, ErrRejected)
	}
	if pred.ID == "" {
		return "", fmt.Errorf("no id in prediction response: %s: %w", truncate(string(respBody), 200), ErrRejected)
	}

	log.Printf("[Provider] replicate prediction submitted (id=%s, model=%s, hasImage=%v)", pred.ID, model, req.ImageURL != "")
	return pred.ID, nil
}

func (c *ReplicateClient) Poll(ctx context.Context, jobID string) (*Prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/predictions/%s", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v: %w", err, ErrTransient)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %v: %w", err, ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %v: %w", err, ErrTransient)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("replicate returned status %d: %s: %w", resp.StatusCode, truncate(string(body), 200), ErrTransient)
	}

	var pred replicatePrediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, fmt.Errorf("failed to parse prediction: %v: %w", err, ErrTransient)
	}

	return pred.toPrediction(), nil
}

func (p replicatePrediction) toPrediction() *Prediction {
	switch p.Status {
	case "succeeded":
		out := firstOutput(p.Output)
		if out == "" {
			return &Prediction{Status: StatusFailed, Error: "provider reported success without an output"}
		}
		return &Prediction{Status: StatusSucceeded, Output: out}
	case "failed", "canceled":
		msg := errorString(p.Error)
		if msg == "" {
			msg = "prediction " + p.Status
		}
		return &Prediction{Status: StatusFailed, Error: msg}
	case "starting":
		return &Prediction{Status: StatusStarting}
	default:
		return &Prediction{Status: StatusProcessing}
	}
}

// firstOutput accepts either a single URL or a list of URLs.
func firstOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func errorString(v interface{}) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		data, _ := json.Marshal(e)
		return string(data)
	}
}
