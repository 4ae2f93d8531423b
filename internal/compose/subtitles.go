package compose

import (
	"fmt"
	"regexp"
	"strings"
)

type SubtitleStyle string

const (
	// StyleBox draws the text on a semi-opaque background box.
	StyleBox SubtitleStyle = "box"
	// StyleOutline draws the text with a dark stroke and no box.
	StyleOutline SubtitleStyle = "outline"
)

const defaultSubtitleColor = "white"

var (
	hexColor   = regexp.MustCompile(`^#?([0-9a-fA-F]{6})$`)
	namedColor = regexp.MustCompile(`^[a-zA-Z]{3,20}$`)
)

// SplitSubtitle lays text out on at most two lines. Lengths are counted in
// characters. Text that fits within lineCap stays on one line. Longer text
// is split at the space nearest its midpoint; if the first line still
// exceeds lineCap the split moves back to the last space that fits. Joining
// the lines with a single space gives the whitespace-normalized input.
func SplitSubtitle(text string, lineCap int) (string, string) {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= lineCap || !strings.Contains(text, " ") {
		return text, ""
	}

	split := nearestSpace(runes, len(runes)/2)
	if split > lineCap {
		if i := lastSpaceAtOrBefore(runes, lineCap); i > 0 {
			split = i
		}
	}
	return string(runes[:split]), string(runes[split+1:])
}

// nearestSpace returns the rune index of the space closest to pos,
// preferring the earlier one on a tie.
func nearestSpace(runes []rune, pos int) int {
	for d := 0; d < len(runes); d++ {
		if i := pos - d; i > 0 && i < len(runes) && runes[i] == ' ' {
			return i
		}
		if i := pos + d; i < len(runes)-1 && runes[i] == ' ' {
			return i
		}
	}
	for i, r := range runes {
		if r == ' ' {
			return i
		}
	}
	return -1
}

func lastSpaceAtOrBefore(runes []rune, pos int) int {
	if pos >= len(runes) {
		pos = len(runes) - 1
	}
	for i := pos; i > 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

// normalizeColor maps "#RRGGBB" or a color name to ffmpeg syntax. Anything
// else falls back to white.
func normalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if m := hexColor.FindStringSubmatch(c); m != nil {
		return "0x" + strings.ToUpper(m[1])
	}
	if namedColor.MatchString(c) {
		return strings.ToLower(c)
	}
	return defaultSubtitleColor
}

// drawtextFilters renders the two subtitle lines near the bottom of the
// frame. The second line sits directly under the first.
func drawtextFilters(line1, line2, color string, style SubtitleStyle) []string {
	lines := []string{line1}
	if line2 != "" {
		lines = append(lines, line2)
	}

	var decoration string
	switch style {
	case StyleOutline:
		decoration = "borderw=3:bordercolor=black"
	default:
		decoration = "box=1:boxcolor=black@0.55:boxborderw=12"
	}

	filters := make([]string, 0, len(lines))
	for i, line := range lines {
		// Lines stack upward from a bottom margin of h/10.
		fromBottom := len(lines) - i
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=%s:fontsize=h/18:x=(w-text_w)/2:y=h-h/10-%d*(h/18+14):%s",
			escapeFilterValue(line), normalizeColor(color), fromBottom, decoration,
		))
	}
	return filters
}
