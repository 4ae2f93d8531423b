// Package planner turns a free-form story into scene specs using OpenAI
// JSON mode. The output feeds straight into a generation request.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/sceneforge/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel      = "gpt-5-mini"
	defaultSceneCount = 5
	maxSceneCount     = 20
	maxStoryLength    = 8000
	maxLogLen         = 2000
)

var ErrInvalidStory = errors.New("invalid story")

type Request struct {
	Story       string `json:"story"`
	SceneCount  int    `json:"scene_count,omitempty"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type Plan struct {
	Title  string             `json:"title"`
	Scenes []models.SceneSpec `json:"scenes"`
}

type Planner struct {
	client *openai.Client
	model  string
}

func New(apiKey string) *Planner {
	return &Planner{client: openai.NewClient(apiKey), model: defaultModel}
}

// NewWithConfig is used to point the planner at a different endpoint.
func NewWithConfig(cfg openai.ClientConfig, model string) *Planner {
	if model == "" {
		model = defaultModel
	}
	return &Planner{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *Planner) Plan(ctx context.Context, req Request) (*Plan, error) {
	req.Story = strings.TrimSpace(req.Story)
	if req.Story == "" {
		return nil, fmt.Errorf("%w: story is empty", ErrInvalidStory)
	}
	if len(req.Story) > maxStoryLength {
		return nil, fmt.Errorf("%w: story exceeds %d characters", ErrInvalidStory, maxStoryLength)
	}
	if req.SceneCount <= 0 {
		req.SceneCount = defaultSceneCount
	}
	if req.SceneCount > maxSceneCount {
		req.SceneCount = maxSceneCount
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildSystemPrompt(req),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.Story,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		log.Printf("[Planner] parse failed: %v, raw response: %s", err, truncate(raw, maxLogLen))
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Scenes) == 0 {
		log.Printf("[Planner] plan has no scenes, raw response: %s", truncate(raw, maxLogLen))
		return nil, fmt.Errorf("plan has no scenes")
	}
	for i, s := range plan.Scenes {
		if strings.TrimSpace(s.Prompt) == "" {
			return nil, fmt.Errorf("scene %d has no prompt", i+1)
		}
	}

	log.Printf("[Planner] plan generated: %d scenes, title=%q", len(plan.Scenes), plan.Title)
	return &plan, nil
}

func buildSystemPrompt(req Request) string {
	style := req.Style
	if style == "" {
		style = "cinematic, photorealistic"
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = "16:9"
	}

	var sb strings.Builder
	sb.WriteString("You split a story into short video scenes for an AI video model.\n")
	fmt.Fprintf(&sb, "Produce exactly %d scenes in story order.\n", req.SceneCount)
	fmt.Fprintf(&sb, "Visual style: %s. Frame: %s.\n", style, aspect)
	sb.WriteString("Each scene prompt describes one continuous shot of 5 to 8 seconds: subject, action, setting, camera movement and lighting. ")
	sb.WriteString("Do not reference other scenes. Narration is one or two spoken sentences for that shot.\n")
	sb.WriteString(`Respond with JSON only: {"title": string, "scenes": [{"prompt": string, "narration": string}]}`)
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
