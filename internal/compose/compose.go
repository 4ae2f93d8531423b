// Package compose merges selected scene assets into one video: each
// segment is trimmed, retimed, subtitled and normalized to a canonical
// resolution, then all segments are concatenated in order.
package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/sceneforge/internal/metrics"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/h2non/filetype"
)

var (
	ErrNoValidSegments        = errors.New("no valid segments to compose")
	ErrSegmentDownloadInvalid = errors.New("segment download invalid")
)

const segmentDownloadTimeout = 120 * time.Second

type Segment struct {
	URL      string  `json:"url"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Speed    float64 `json:"speed"`
	Subtitle string  `json:"subtitle,omitempty"`
	Selected bool    `json:"selected"`
}

// ExpectedDuration is the output length of a trimmed segment in seconds,
// or 0 when the segment is not trimmed.
func (s Segment) ExpectedDuration() float64 {
	if s.Start >= s.End {
		return 0
	}
	return (s.End - s.Start) / s.speed()
}

func (s Segment) speed() float64 {
	if s.Speed <= 0 {
		return 1
	}
	return s.Speed
}

type Request struct {
	Segments      []Segment     `json:"segments"`
	SubtitleColor string        `json:"subtitle_color,omitempty"`
	SubtitleStyle SubtitleStyle `json:"subtitle_style,omitempty"`
	ShowSubtitles bool          `json:"show_subtitles"`
}

type Result struct {
	Data []byte   `json:"video"`
	Log  []string `json:"log"`
}

// SegmentsFromVideo selects every scene with a playable asset, in scene
// order, with its narration as subtitle text.
func SegmentsFromVideo(v *models.Video) []Segment {
	var segs []Segment
	for _, s := range v.Scenes {
		if s.VideoURL == "" {
			continue
		}
		segs = append(segs, Segment{
			URL:      s.VideoURL,
			Speed:    1,
			Subtitle: s.Narration,
			Selected: true,
		})
	}
	return segs
}

type Config struct {
	WorkDir         string
	Resolution      string
	FPS             int
	MinSegmentBytes int64
	SubtitleLineCap int
}

type Engine struct {
	runner     Runner
	httpClient *http.Client
	workDir    string
	width      int
	height     int
	fps        int
	minBytes   int64
	lineCap    int
}

type Option func(*Engine)

func WithRunner(r Runner) Option {
	return func(e *Engine) { e.runner = r }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

func New(cfg Config, opts ...Option) *Engine {
	w, h := ParseResolution(cfg.Resolution)
	e := &Engine{
		runner:     ffmpegRunner{binary: "ffmpeg"},
		httpClient: &http.Client{Timeout: segmentDownloadTimeout},
		workDir:    cfg.WorkDir,
		width:      w,
		height:     h,
		fps:        cfg.FPS,
		minBytes:   cfg.MinSegmentBytes,
		lineCap:    cfg.SubtitleLineCap,
	}
	if e.workDir == "" {
		e.workDir = os.TempDir()
	}
	if e.fps <= 0 {
		e.fps = 30
	}
	if e.lineCap <= 0 {
		e.lineCap = 42
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// progress collects the human-readable steps returned with the result.
type progress []string

func (p *progress) add(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[Compose] %s", msg)
	*p = append(*p, msg)
}

// Compose downloads, encodes and concatenates the selected segments.
// Segments that fail to download or encode are skipped and logged; the
// request fails only when none survive.
func (e *Engine) Compose(ctx context.Context, req Request) (*Result, error) {
	var plog progress

	var selected []Segment
	for _, s := range req.Segments {
		if s.Selected {
			selected = append(selected, s)
		}
	}
	plog.add("Composing %d selected segments at %dx%d", len(selected), e.width, e.height)
	if len(selected) == 0 {
		return &Result{Log: plog}, ErrNoValidSegments
	}

	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(e.workDir, "compose-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var encoded []string
	for i, seg := range selected {
		n := i + 1
		plog.add("Downloading segment %d/%d", n, len(selected))

		src := filepath.Join(dir, fmt.Sprintf("source_%03d.mp4", n))
		if err := e.download(ctx, seg.URL, src); err != nil {
			metrics.SegmentSkipped(ctx)
			plog.add("Skipped segment %d: %v", n, err)
			continue
		}

		out := filepath.Join(dir, fmt.Sprintf("segment_%03d.mp4", n))
		if err := e.encodeSegment(ctx, n, seg, req, src, out, &plog); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.SegmentSkipped(ctx)
			plog.add("Skipped segment %d: %v", n, err)
			continue
		}
		encoded = append(encoded, out)
	}

	if len(encoded) == 0 {
		plog.add("No valid segments remain")
		return &Result{Log: plog}, ErrNoValidSegments
	}

	output := filepath.Join(dir, "composed.mp4")
	plog.add("Concatenating %d segments", len(encoded))
	if err := e.concatenate(ctx, dir, encoded, output); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to read composed video: %w", err)
	}
	plog.add("Done: %d bytes", len(data))

	return &Result{Data: data, Log: plog}, nil
}

// download fetches one segment to path. A non-OK response, a body below the
// size threshold, or a body that sniffs as a non-video type is rejected
// as a placeholder.
func (e *Engine) download(ctx context.Context, url, path string) error {
	if url == "" {
		return fmt.Errorf("%w: empty url", ErrSegmentDownloadInvalid)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentDownloadInvalid, err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentDownloadInvalid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrSegmentDownloadInvalid, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentDownloadInvalid, err)
	}
	if int64(len(data)) < e.minBytes {
		return fmt.Errorf("%w: %d bytes is below the %d byte minimum", ErrSegmentDownloadInvalid, len(data), e.minBytes)
	}
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown && !filetype.IsVideo(data) {
		return fmt.Errorf("%w: body is %s, not video", ErrSegmentDownloadInvalid, kind.MIME.Value)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	return nil
}

func (e *Engine) encodeSegment(ctx context.Context, n int, seg Segment, req Request, src, out string, plog *progress) error {
	var line1, line2 string
	if req.ShowSubtitles && strings.TrimSpace(seg.Subtitle) != "" {
		line1, line2 = SplitSubtitle(seg.Subtitle, e.lineCap)
	}

	filter := e.filterChain(seg, line1, line2, req.SubtitleColor, req.SubtitleStyle)
	stderr, err := e.runner.Run(ctx, encodeArgs(src, out, filter))
	if err == nil {
		plog.add("Encoded segment %d", n)
		return nil
	}

	if line1 == "" || !isSubtitleFilterError(stderr) {
		return fmt.Errorf("encode failed: %w", err)
	}

	plog.add("Subtitle rendering failed for segment %d, retrying without subtitles", n)
	filter = e.filterChain(seg, "", "", "", "")
	if _, err := e.runner.Run(ctx, encodeArgs(src, out, filter)); err != nil {
		return fmt.Errorf("encode without subtitles failed: %w", err)
	}
	plog.add("Encoded segment %d without subtitles", n)
	return nil
}

// filterChain builds the -vf graph: trim, retime, subtitles, then the
// scale and pad that every segment gets so the concat demuxer can copy
// streams without re-encoding.
func (e *Engine) filterChain(seg Segment, line1, line2, color string, style SubtitleStyle) string {
	var parts []string

	if seg.Start < seg.End {
		parts = append(parts,
			fmt.Sprintf("trim=start=%.3f:end=%.3f", seg.Start, seg.End),
			"setpts=PTS-STARTPTS",
		)
	}
	if sp := seg.speed(); sp != 1 {
		parts = append(parts, fmt.Sprintf("setpts=PTS/%.3f", sp))
	}
	if line1 != "" {
		parts = append(parts, drawtextFilters(line1, line2, color, style)...)
	}

	parts = append(parts,
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", e.width, e.height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", e.width, e.height),
		"setsar=1",
		fmt.Sprintf("fps=%d", e.fps),
	)
	return strings.Join(parts, ",")
}

func (e *Engine) concatenate(ctx context.Context, dir string, segments []string, output string) error {
	listPath := filepath.Join(dir, "concat_list.txt")
	var sb strings.Builder
	for _, p := range segments {
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(p, "'", "'\\''"))
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	if stderr, err := e.runner.Run(ctx, concatArgs(listPath, output)); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w (%s)", err, lastLine(stderr))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
