// Package transcript assembles finalized recognition text and keeps the
// bounded rolling window used for display and prompting.
package transcript

import "strings"

// Assemble joins final recognition segments into one finalized chunk.
// Each segment is trimmed at its ends and blank segments are skipped; text
// inside a segment is kept as recognized. The chunk ends with a single space
// so that consecutive chunks concatenate cleanly.
func Assemble(finalSegments []string) string {
	parts := make([]string, 0, len(finalSegments))
	for _, segment := range finalSegments {
		if trimmed := strings.TrimSpace(segment); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ") + " "
}
