// Package mirror re-hosts provider assets in owned object storage before the
// provider's time-limited URLs expire.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/bobarin/sceneforge/internal/metrics"
	"github.com/bobarin/sceneforge/internal/storage"
	"github.com/h2non/filetype"
)

var (
	ErrDownloadFailed = errors.New("mirror download failed")
	ErrUploadFailed   = errors.New("mirror upload failed")
)

const (
	downloadTimeout   = 120 * time.Second
	defaultUploadSlot = 4
	fallbackMIME      = "video/mp4"
)

// Mirror downloads a provider asset fully into memory and republishes it
// under a caller-chosen key.
type Mirror struct {
	store      storage.ObjectStore
	httpClient *http.Client
	authorize  func(*http.Request)
	uploadSem  chan struct{}
}

type Option func(*Mirror)

// WithAuthorizer decorates every download request, for providers whose
// asset URLs need credentials.
func WithAuthorizer(fn func(*http.Request)) Option {
	return func(m *Mirror) { m.authorize = fn }
}

// WithUploadSlots caps simultaneous uploads across all callers.
func WithUploadSlots(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.uploadSem = make(chan struct{}, n)
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Mirror) { m.httpClient = c }
}

func New(store storage.ObjectStore, opts ...Option) *Mirror {
	m := &Mirror{
		store:      store,
		httpClient: &http.Client{Timeout: downloadTimeout},
		uploadSem:  make(chan struct{}, defaultUploadSlot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mirror copies sourceURL to key and returns the durable URL. On error the
// caller keeps sourceURL as the playable fallback.
func (m *Mirror) Mirror(ctx context.Context, sourceURL, key string) (string, error) {
	data, err := m.download(ctx, sourceURL)
	if err != nil {
		log.Printf("[Mirror] Download failed for %s: %v", key, err)
		metrics.MirrorResult(ctx, err)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	contentType := fallbackMIME
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	if err := m.uploadWithLimit(ctx, key, func() error {
		return m.store.Upload(ctx, key, data, contentType)
	}); err != nil {
		log.Printf("[Mirror] Upload failed for %s: %v", key, err)
		metrics.MirrorResult(ctx, err)
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	url := m.store.PublicURL(key)
	log.Printf("[Mirror] Mirrored %d bytes (%s) to %s", len(data), contentType, key)
	metrics.MirrorResult(ctx, nil)
	return url, nil
}

// Delete removes a previously mirrored object.
func (m *Mirror) Delete(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}

func (m *Mirror) download(ctx context.Context, sourceURL string) ([]byte, error) {
	if sourceURL == "" {
		return nil, fmt.Errorf("empty source url")
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, "GET", sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if m.authorize != nil {
		m.authorize(req)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("source body is empty")
	}

	return data, nil
}

func (m *Mirror) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case m.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-m.uploadSem }()

	return fn()
}
