package client

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"cropbatch/pkg/types"
)

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInlineComment = regexp.MustCompile(`(?m)//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseDetections extracts the detection payload from a raw model reply.
// Vision models wrap JSON in prose, fences and comments; the reply is
// sanitized before unmarshalling. A reply with no usable JSON is an
// error: an invented detection is worse for the caller than a skipped
// image.
func ParseDetections(raw string) ([]types.RawDetection, error) {
	cleaned := sanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("model reply contains no JSON object")
	}

	var payload types.DetectionPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("malformed detection JSON: %w", err)
	}
	return payload.Objects, nil
}

// sanitizeModelJSON removes code fences, comments, and trailing commas
// from a model reply and keeps only the outermost JSON object.
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reInlineComment.ReplaceAllString(raw, "")

	// Remove trailing commas before } or ]
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
