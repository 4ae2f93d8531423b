package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"google.golang.org/genai"
)

const defaultVeoModel = "veo-3.1-generate-preview"

// VeoClient renders scenes with Veo through the Gen AI SDK. The job id is
// the long-running operation name.
type VeoClient struct {
	apiKey     string
	model      string
	client     *genai.Client
	httpClient *http.Client
}

func NewVeoClient(ctx context.Context, apiKey, model string) (*VeoClient, error) {
	if model == "" {
		model = defaultVeoModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &VeoClient{
		apiKey:     apiKey,
		model:      model,
		client:     client,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *VeoClient) Name() string { return "veo" }

func (c *VeoClient) Submit(ctx context.Context, req Request) (string, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:    req.AspectRatio,
		NumberOfVideos: 1,
	}
	if req.DurationSec > 0 {
		d := int32(req.DurationSec)
		config.DurationSeconds = &d
	}

	var firstFrame *genai.Image
	if req.ImageURL != "" {
		img, err := c.fetchImage(ctx, req.ImageURL)
		if err != nil {
			return "", fmt.Errorf("failed to fetch seed image: %v: %w", err, ErrRejected)
		}
		firstFrame = img
	}

	operation, err := c.client.Models.GenerateVideos(ctx, model, req.Prompt, firstFrame, config)
	if err != nil {
		return "", fmt.Errorf("failed to start video generation: %v: %w", err, classifyGenAIError(err))
	}

	log.Printf("[Provider] Veo operation started: %s (model=%s, hasImage=%v)", operation.Name, model, firstFrame != nil)
	return operation.Name, nil
}

func (c *VeoClient) Poll(ctx context.Context, jobID string) (*Prediction, error) {
	operation, err := c.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: jobID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll operation: %v: %w", err, ErrTransient)
	}

	if !operation.Done {
		return &Prediction{Status: StatusProcessing}, nil
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &Prediction{Status: StatusFailed, Error: string(errJSON)}, nil
	}

	if operation.Response == nil {
		return &Prediction{Status: StatusFailed, Error: "no response in completed operation"}, nil
	}

	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return &Prediction{Status: StatusFailed, Error: "video blocked by safety filters: " + reasons}, nil
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return &Prediction{Status: StatusFailed, Error: "no videos in response"}, nil
	}

	uri := operation.Response.GeneratedVideos[0].Video.URI
	if uri == "" {
		return &Prediction{Status: StatusFailed, Error: "generated video has no download URI"}, nil
	}

	return &Prediction{Status: StatusSucceeded, Output: uri}, nil
}

// AuthorizeDownload adds the API key to requests for Veo file URIs.
func (c *VeoClient) AuthorizeDownload(req *http.Request) {
	if strings.Contains(req.URL.Host, "googleapis.com") {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
}

func (c *VeoClient) fetchImage(ctx context.Context, url string) (*genai.Image, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seed image returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || !strings.HasPrefix(kind.MIME.Value, "image/") {
		return nil, fmt.Errorf("seed image is not a recognised image")
	}

	return &genai.Image{ImageBytes: data, MIMEType: kind.MIME.Value}, nil
}

func classifyGenAIError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "api key") || strings.Contains(msg, "permission") ||
		strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "connection refused") {
		return ErrUnavailable
	}
	return ErrRejected
}
