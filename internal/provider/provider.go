package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bobarin/sceneforge/internal/metrics"
	"golang.org/x/time/rate"
)

// Submission errors. A caller records either one as a failed scene job.
var (
	// ErrUnavailable means the upstream call could not be made (network, auth).
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected means the upstream answered with a non-success response.
	ErrRejected = errors.New("provider rejected request")
	// ErrTransient is returned by Poll for any non-2xx or unreadable answer.
	// It must be retried, never treated as a failed job.
	ErrTransient = errors.New("provider transient error")
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the provider has finished with the job.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Request is one scene's generation input.
type Request struct {
	Prompt      string
	ImageURL    string // optional seed image
	Model       string // optional override of the client's default model
	AspectRatio string
	DurationSec int
}

// Prediction is the provider's view of a job at poll time.
type Prediction struct {
	Status Status
	Output string // asset URL, set when Status is succeeded
	Error  string // provider error, set when Status is failed
}

// Client submits generation jobs and polls them by id.
type Client interface {
	Name() string
	Submit(ctx context.Context, req Request) (string, error)
	Poll(ctx context.Context, jobID string) (*Prediction, error)
}

// DownloadAuthorizer is implemented by providers whose asset URLs need
// credentials to fetch.
type DownloadAuthorizer interface {
	AuthorizeDownload(req *http.Request)
}

// classifySubmitStatus maps a non-success submit response to a sentinel.
func classifySubmitStatus(provider string, status int, body []byte) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%s returned status %d: %s: %w", provider, status, truncate(string(body), 300), ErrUnavailable)
	}
	return fmt.Errorf("%s returned status %d: %s: %w", provider, status, truncate(string(body), 300), ErrRejected)
}

// instrumented records the outcome of every provider call.
type instrumented struct {
	Client
}

// Instrument wraps c so each Submit and Poll is counted, labelled by
// provider and outcome.
func Instrument(c Client) Client {
	return &instrumented{Client: c}
}

func (i *instrumented) Submit(ctx context.Context, req Request) (string, error) {
	id, err := i.Client.Submit(ctx, req)
	metrics.ProviderSubmit(ctx, i.Name(), err)
	return id, err
}

func (i *instrumented) Poll(ctx context.Context, jobID string) (*Prediction, error) {
	p, err := i.Client.Poll(ctx, jobID)
	metrics.ProviderPoll(ctx, i.Name(), err)
	return p, err
}

func (i *instrumented) AuthorizeDownload(req *http.Request) {
	if a, ok := i.Client.(DownloadAuthorizer); ok {
		a.AuthorizeDownload(req)
	}
}

// limited wraps a Client with a token bucket shared by Submit and Poll.
type limited struct {
	Client
	limiter *rate.Limiter
}

// WithRateLimit bounds the request rate against the provider API. A
// non-positive rps returns c unchanged.
func WithRateLimit(c Client, rps float64) Client {
	if rps <= 0 {
		return c
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &limited{Client: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Submit(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %v: %w", err, ErrUnavailable)
	}
	return l.Client.Submit(ctx, req)
}

func (l *limited) Poll(ctx context.Context, jobID string) (*Prediction, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %v: %w", err, ErrTransient)
	}
	return l.Client.Poll(ctx, jobID)
}

// AuthorizeDownload forwards to the wrapped client when it needs credentials.
func (l *limited) AuthorizeDownload(req *http.Request) {
	if a, ok := l.Client.(DownloadAuthorizer); ok {
		a.AuthorizeDownload(req)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
