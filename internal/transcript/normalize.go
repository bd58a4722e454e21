// Package transcript canonicalizes provider output into one textual
// convention: every speaker-attributed line begins with "Speaker <label>: ".
package transcript

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker prefixes every speaker-attributed line in canonical form.
const Marker = "Speaker"

// DefaultSpeaker labels text with no identifiable speaker.
const DefaultSpeaker = "A"

// Segment is one speaker-attributed span of text, in utterance order.
type Segment struct {
	Speaker string
	Text    string
}

// bareSpeakerLine matches lines like "A: hello" or "2: bonjour" that carry a
// speaker label without the canonical marker.
var bareSpeakerLine = regexp.MustCompile(`^[A-Z0-9]+: `)

// Normalize canonicalizes a transcript. With segments present, the raw text is
// ignored and the output is one marker line per segment, in order. Without
// segments, normalization works line by line: lines already in canonical form
// pass through unchanged, bare speaker-label prefixes are promoted to marker
// lines, and text with no speaker-attributed lines at all is wrapped whole as
// a single default-speaker segment.
//
// Normalize is idempotent: applying it to its own output is a no-op.
func Normalize(text string, segments []Segment) string {
	if len(segments) > 0 {
		lines := make([]string, 0, len(segments))
		for _, seg := range segments {
			body := strings.TrimSpace(seg.Text)
			if body == "" {
				continue
			}
			speaker := seg.Speaker
			if speaker == "" {
				speaker = DefaultSpeaker
			}
			lines = append(lines, fmt.Sprintf("%s %s: %s", Marker, speaker, body))
		}
		if len(lines) > 0 {
			return strings.Join(lines, "\n")
		}
		// All segments empty: fall through to the raw text.
	}

	if text == "" {
		return ""
	}

	lines := strings.Split(text, "\n")
	attributed := false
	for i, line := range lines {
		if strings.HasPrefix(line, Marker+" ") {
			attributed = true
			continue
		}
		if bareSpeakerLine.MatchString(line) {
			lines[i] = Marker + " " + line
			attributed = true
		}
	}
	if attributed {
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("%s %s: %s", Marker, DefaultSpeaker, text)
}

// CountSpeakers returns the number of distinct speakers: segment labels first,
// word-level speaker tags as a fallback, and never less than 1.
func CountSpeakers(segments []Segment, wordSpeakers []string) int {
	seen := make(map[string]struct{})
	for _, seg := range segments {
		if seg.Speaker != "" && strings.TrimSpace(seg.Text) != "" {
			seen[seg.Speaker] = struct{}{}
		}
	}
	if len(seen) == 0 {
		for _, sp := range wordSpeakers {
			if sp != "" {
				seen[sp] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}
