package compose

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes ffmpeg. Tests substitute a fake; production uses the
// binary on PATH.
type Runner interface {
	Run(ctx context.Context, args []string) (stderr string, err error)
}

type ffmpegRunner struct {
	binary string
}

func (r ffmpegRunner) Run(ctx context.Context, args []string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stderr.String(), fmt.Errorf("%s failed: %w", r.binary, err)
	}
	return stderr.String(), nil
}

// ParseResolution parses "WIDTHxHEIGHT". Invalid input falls back to 1280x720.
// Odd dimensions are rounded down to even values for yuv420p.
func ParseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 1280, 720
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width < 16 || height < 16 {
		return 1280, 720
	}
	return width &^ 1, height &^ 1
}

// escapeFilterValue escapes a value embedded in a single-quoted filter
// option. The filter graph treats colons, backslashes and quotes specially,
// and drawtext expands %{...} sequences.
func escapeFilterValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ":", "\\:")
	s = strings.ReplaceAll(s, "'", "'\\''")
	s = strings.ReplaceAll(s, "%", "\\%")
	return s
}

// isSubtitleFilterError reports whether an ffmpeg failure came from the
// drawtext filter (missing font, fontconfig, bad text) rather than the
// source media.
func isSubtitleFilterError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "drawtext") ||
		strings.Contains(s, "fontconfig") ||
		strings.Contains(s, "font")
}

func encodeArgs(input, output, filter string) []string {
	return []string{
		"-i", input,
		"-vf", filter,
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-an",
		"-movflags", "+faststart",
		"-y",
		output,
	}
}

func concatArgs(listPath, output string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		output,
	}
}
