package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
)

// RemoteClient consumes the grading HTTP surface of another process
// (GET /api/ai/health, POST /api/ai/grade). Responses are re-sanitized here:
// the remote server is trusted no further than the LLM behind it.
type RemoteClient struct {
	baseURL string
	hc      *http.Client
}

// NewRemoteClient creates a client for the grading server at baseURL.
func NewRemoteClient(baseURL string, hc *http.Client) *RemoteClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &RemoteClient{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

// Health probes the server's configuration state.
func (c *RemoteClient) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ai/health", nil)
	if err != nil {
		return Health{}, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("reach grading server: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("health check failed (HTTP %d): %s", res.StatusCode, errorMessage(body))
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return Health{}, fmt.Errorf("decode health reply: %w", err)
	}
	return health, nil
}

// GradeBatch posts the batch to the remote server and sanitizes its reply.
func (c *RemoteClient) GradeBatch(ctx context.Context, items []GradeItem, modelOverride string) (*GradeResponse, error) {
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"items": items, "model": modelOverride})
	if err != nil {
		return nil, fmt.Errorf("marshal grading request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ai/grade", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach grading server: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return nil, errors.New(errorMessage(body) + fmt.Sprintf(" (HTTP %d)", res.StatusCode))
	}

	var reply struct {
		Model   string            `json:"model"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.Results == nil {
		return nil, &MalformedOutputError{Reason: "grading server reply lacks a results array"}
	}

	results := make([]GradeResult, 0, len(reply.Results))
	for _, rawEntry := range reply.Results {
		var entry struct {
			QuestionID string   `json:"questionId"`
			Score      *float64 `json:"score"`
			Feedback   string   `json:"feedback"`
		}
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			continue
		}
		if strings.TrimSpace(entry.QuestionID) == "" {
			continue
		}
		if entry.Score == nil || math.IsNaN(*entry.Score) || math.IsInf(*entry.Score, 0) {
			continue
		}
		results = append(results, GradeResult{
			QuestionID: entry.QuestionID,
			Score:      *entry.Score,
			Feedback:   entry.Feedback,
		})
	}

	return &GradeResponse{Model: reply.Model, Results: results}, nil
}

// errorMessage pulls the {error} field out of an error body, falling back to
// the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "grading server returned an empty error"
	}
	return truncate(text, 500)
}
