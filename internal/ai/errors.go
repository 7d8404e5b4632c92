package ai

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError reports missing AI backend settings. It is detected before any
// network I/O happens.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "AI backend not configured: set " + strings.Join(e.Missing, " / ")
}

// BatchError reports a structurally invalid grading batch.
type BatchError struct {
	Reason string
}

func (e *BatchError) Error() string {
	return e.Reason
}

// UpstreamError reports a non-2xx reply from the LLM provider. Body is
// truncated before it is stored here.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream AI error (HTTP %d): %s", e.Status, e.Body)
}

// MalformedOutputError reports a 2xx reply whose content could not be turned
// into the expected results JSON.
type MalformedOutputError struct {
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return "malformed AI output: " + e.Reason
}

// TimeoutError reports that the bounded wait elapsed before the provider
// replied.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("AI request timed out after %s", e.After)
}

// truncate limits s to max bytes for error messages.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
