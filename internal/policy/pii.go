// Package policy redacts personal data before it leaves the pipeline in job
// results, events and logs.
package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	emailPattern    = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	idNumberPattern = regexp.MustCompile(`\b\d{13}\b`)
	cellPattern     = regexp.MustCompile(`(?:\+27|\b0)[\s\-]?\d{2}[\s\-]?\d{3}[\s\-]?\d{4}\b`)
)

// MaskPIIString replaces identity numbers, cell numbers and e-mail addresses.
// Identity numbers keep their last three digits so operators can correlate
// rows.
func MaskPIIString(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = idNumberPattern.ReplaceAllStringFunc(masked, maskIDNumber)
	masked = cellPattern.ReplaceAllString(masked, "[cell_redacted]")
	return masked
}

func MaskPIIJSON(payload json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return append(json.RawMessage(nil), payload...)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return json.RawMessage(MaskPIIString(string(payload)))
	}

	encoded, err := json.Marshal(maskValue(decoded))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = maskValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, maskValue(child))
		}
		return cloned
	case string:
		return MaskPIIString(typed)
	default:
		return value
	}
}

func maskIDNumber(value string) string {
	return strings.Repeat("*", len(value)-3) + value[len(value)-3:]
}
