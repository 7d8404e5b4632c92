// Package ai talks to an OpenAI-compatible backend to grade open-ended exam
// answers. The backend is treated as unreliable: replies are parsed
// defensively, individual malformed result entries are dropped, and every
// score is clamped before it leaves this package.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/minqiy/examgrader/internal/grading"
	"github.com/minqiy/examgrader/internal/model"
)

// DefaultTimeout bounds an upstream grading call unless configured otherwise.
const DefaultTimeout = 60 * time.Second

// upstreamBodyLimit caps how much of an upstream error body is kept for
// diagnosis.
const upstreamBodyLimit = 2000

// Config holds the settings of the AI grading backend.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// missingSettings names the required settings that are absent.
func (c Config) missingSettings() []string {
	var missing []string
	if strings.TrimSpace(c.BaseURL) == "" {
		missing = append(missing, "AI_URL")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "AI_KEY")
	}
	if strings.TrimSpace(c.Model) == "" {
		missing = append(missing, "AI_MODEL")
	}
	return missing
}

// Health is the outcome of the configuration probe.
type Health struct {
	OK        bool `json:"ok"`
	HasConfig bool `json:"hasConfig"`
}

// GradeItem is one question submitted for AI grading.
type GradeItem struct {
	QuestionID      string             `json:"questionId"`
	QuestionType    model.QuestionType `json:"questionType"`
	MaxScore        float64            `json:"maxScore"`
	Content         string             `json:"content"`
	ReferenceAnswer *model.AnswerValue `json:"referenceAnswer,omitempty"`
	Options         []model.Option     `json:"options,omitempty"`
	UserAnswer      model.AnswerValue  `json:"userAnswer"`
}

// GradeResult is one verified, clamped score from the model.
type GradeResult struct {
	QuestionID string  `json:"questionId"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback,omitempty"`
}

// GradeResponse is the sanitized output of one batch grading request.
type GradeResponse struct {
	Model   string        `json:"model"`
	Results []GradeResult `json:"results"`
}

// Backend is the grading boundary the orchestrator talks to. Client
// implements it in-process; RemoteClient implements it over HTTP.
type Backend interface {
	Health(ctx context.Context) (Health, error)
	GradeBatch(ctx context.Context, items []GradeItem, modelOverride string) (*GradeResponse, error)
}

// Client grades answer batches against an OpenAI-compatible API.
type Client struct {
	cfg Config
	api *openai.Client
}

// New creates a grading client. An unset timeout falls back to
// DefaultTimeout; missing credentials are reported per call, not here, so a
// server can start unconfigured and surface the problem via Health.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{cfg: cfg, api: openai.NewClientWithConfig(apiCfg)}
}

// Health reports whether the client has all required settings. It performs no
// network I/O.
func (c *Client) Health(_ context.Context) (Health, error) {
	return Health{OK: true, HasConfig: len(c.cfg.missingSettings()) == 0}, nil
}

// ValidateItems checks the batch shape before anything is sent upstream.
func ValidateItems(items []GradeItem) error {
	if len(items) == 0 {
		return &BatchError{Reason: "items must be a non-empty list"}
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.QuestionID) == "" {
			return &BatchError{Reason: "every item needs a non-empty questionId"}
		}
		if seen[item.QuestionID] {
			return &BatchError{Reason: fmt.Sprintf("duplicate questionId %q", item.QuestionID)}
		}
		seen[item.QuestionID] = true
		if math.IsNaN(item.MaxScore) || math.IsInf(item.MaxScore, 0) || item.MaxScore < 0 {
			return &BatchError{Reason: fmt.Sprintf("maxScore of question %s must be a non-negative number", item.QuestionID)}
		}
	}
	return nil
}

// GradeBatch sends one batch of items to the model and returns the verified,
// clamped per-question scores.
func (c *Client) GradeBatch(ctx context.Context, items []GradeItem, modelOverride string) (*GradeResponse, error) {
	if missing := c.cfg.missingSettings(); len(missing) > 0 {
		return nil, &ConfigError{Missing: missing}
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	modelName := strings.TrimSpace(modelOverride)
	if modelName == "" {
		modelName = c.cfg.Model
	}

	userPrompt, err := buildUserPrompt(items)
	if err != nil {
		return nil, err
	}

	base := openai.ChatCompletionRequest{
		Model: modelName,
		// A zero temperature is dropped by the client's omitempty encoding,
		// so send the smallest value the API accepts instead.
		Temperature: math.SmallestNonzeroFloat32,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}

	// Request variants tried in order: first with the structured-output hint,
	// then without it for providers that reject the hint with a 400.
	withHint := base
	withHint.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	variants := []openai.ChatCompletionRequest{withHint, base}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	for i, req := range variants {
		resp, err = c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if i+1 < len(variants) && hintRejected(err) {
			slog.Warn("provider rejected the structured-output hint, retrying without it", "model", modelName)
			continue
		}
		return nil, c.wrapTransportError(err)
	}
	if err != nil {
		return nil, c.wrapTransportError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &MalformedOutputError{Reason: "reply contains no choices"}
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("AI grading reply", "model", modelName, "raw", raw)

	maxScoreByID := make(map[string]float64, len(items))
	for _, item := range items {
		maxScoreByID[item.QuestionID] = item.MaxScore
	}

	results, err := ParseResults(raw, maxScoreByID)
	if err != nil {
		return nil, err
	}
	return &GradeResponse{Model: modelName, Results: results}, nil
}

// hintRejected reports whether the error is a 400 that names the
// structured-output hint field. Only this failure triggers the fallback.
func hintRejected(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != 400 {
		return false
	}
	if strings.Contains(apiErr.Message, "response_format") {
		return true
	}
	return apiErr.Param != nil && strings.Contains(*apiErr.Param, "response_format")
}

func (c *Client) wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{After: c.cfg.Timeout}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Status: apiErr.HTTPStatusCode, Body: truncate(apiErr.Message, upstreamBodyLimit)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{Status: reqErr.HTTPStatusCode, Body: truncate(reqErr.Error(), upstreamBodyLimit)}
	}
	return fmt.Errorf("AI API call: %w", err)
}

// extractJSONObject recovers the reply's JSON payload. It first tries the
// whole text, then the substring between the first '{' and the last '}' for
// models that wrap JSON in prose or code fences.
func extractJSONObject(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty reply")
	}
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		slice := trimmed[start : end+1]
		if json.Valid([]byte(slice)) {
			return []byte(slice), nil
		}
	}
	return nil, errors.New("reply is not valid JSON")
}

// ParseResults turns the model's raw text reply into verified grade results.
// Entries without a usable questionId or a finite numeric score are silently
// dropped; retained scores are clamped against the requesting item's own
// maxScore.
func ParseResults(raw string, maxScoreByID map[string]float64) ([]GradeResult, error) {
	payload, err := extractJSONObject(raw)
	if err != nil {
		return nil, &MalformedOutputError{Reason: err.Error()}
	}

	var reply struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil || reply.Results == nil {
		return nil, &MalformedOutputError{Reason: "missing results array"}
	}

	results := make([]GradeResult, 0, len(reply.Results))
	for _, rawEntry := range reply.Results {
		var entry struct {
			QuestionID string          `json:"questionId"`
			Score      *float64        `json:"score"`
			Feedback   json.RawMessage `json:"feedback"`
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

		var feedback string
		if len(entry.Feedback) > 0 {
			// Non-string feedback is dropped, the entry itself is kept.
			_ = json.Unmarshal(entry.Feedback, &feedback)
		}

		results = append(results, GradeResult{
			QuestionID: entry.QuestionID,
			Score:      grading.Clamp(*entry.Score, maxScoreByID[entry.QuestionID]),
			Feedback:   feedback,
		})
	}
	return results, nil
}
