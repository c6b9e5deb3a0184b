package cli

import (
	"fmt"
	"math"
	"strings"

	"github.com/fmueller/voxstream/internal/whisper"
)

// formatSegment renders a segment the way whisper-cli prints it.
func formatSegment(segment whisper.Segment) string {
	return fmt.Sprintf("[%s --> %s]  %s", formatTimestamp(segment.Start), formatTimestamp(segment.End), strings.TrimSpace(segment.Text))
}

func formatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}

	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

func noSpeechHint() string {
	return "No speech detected. Check that the file contains audible speech and that --language matches it."
}
