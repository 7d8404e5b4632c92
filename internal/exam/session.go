// Package exam holds the grading workflow state for one loaded exam paper:
// the answer map, the submit flag and the AI grading status machine. State is
// replaced wholesale on every mutation, never patched in place.
package exam

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/minqiy/examgrader/internal/ai"
	"github.com/minqiy/examgrader/internal/grading"
	"github.com/minqiy/examgrader/internal/model"
)

// Status is the AI grading status of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusGrading Status = "grading"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// ErrGradingInProgress rejects a second GradeWithAI call while one is in
// flight. Calls are not queued.
var ErrGradingInProgress = errors.New("an AI grading request is already in flight")

// ErrAlreadySubmitted rejects answer changes after the exam was submitted.
var ErrAlreadySubmitted = errors.New("exam already submitted")

// ErrUnknownQuestion rejects answers for question IDs the paper does not have.
var ErrUnknownQuestion = errors.New("unknown question")

// GradeOptions controls one AI grading pass.
type GradeOptions struct {
	// Regrade includes candidates that already carry an AI grade.
	Regrade bool
	// Model overrides the backend's configured model for this pass.
	Model string
}

// GradeOutcome reports how many answers an AI pass actually updated.
type GradeOutcome struct {
	Graded    int      `json:"graded"`
	GradedIDs []string `json:"gradedIds,omitempty"`
	Model     string   `json:"model,omitempty"`
}

// Session owns the answer state for one loaded exam paper.
type Session struct {
	mu      sync.Mutex
	backend ai.Backend
	now     func() time.Time

	paper     *model.ExamPaper
	answers   map[string]model.UserAnswer
	submitted bool
	status    Status
	lastError string
}

// NewSession creates a session for the given paper.
func NewSession(paper *model.ExamPaper, backend ai.Backend) *Session {
	return &Session{
		backend: backend,
		now:     time.Now,
		paper:   paper,
		answers: map[string]model.UserAnswer{},
		status:  StatusIdle,
	}
}

// Paper returns the loaded exam definition.
func (s *Session) Paper() *model.ExamPaper {
	return s.paper
}

// Restore replaces the session's answer state, for rebuilding a session from
// persisted data.
func (s *Session) Restore(answers map[string]model.UserAnswer, submitted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]model.UserAnswer, len(answers))
	for id, a := range answers {
		next[id] = a
	}
	s.answers = next
	s.submitted = submitted
}

// SetAnswer records an answer. An empty answer removes the entry. Answers are
// frozen once the exam is submitted.
func (s *Session) SetAnswer(questionID string, answer model.AnswerValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitted {
		return ErrAlreadySubmitted
	}
	if s.paper.FindQuestion(questionID) == nil {
		return ErrUnknownQuestion
	}

	next := make(map[string]model.UserAnswer, len(s.answers)+1)
	for id, a := range s.answers {
		next[id] = a
	}
	if answer.IsEmpty() {
		delete(next, questionID)
	} else {
		next[questionID] = model.UserAnswer{QuestionID: questionID, Answer: answer}
	}
	s.answers = next
	return nil
}

// Answer returns the recorded answer for a question, if any.
func (s *Session) Answer(questionID string) (model.UserAnswer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.answers[questionID]
	return a, ok
}

// Answers returns a copy of the answer map.
func (s *Session) Answers() map[string]model.UserAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.UserAnswer, len(s.answers))
	for id, a := range s.answers {
		out[id] = a
	}
	return out
}

// Submit freezes the answers.
func (s *Session) Submit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = true
}

// Submitted reports whether the exam was submitted.
func (s *Session) Submitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Reset clears all answers and reopens the exam.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = map[string]model.UserAnswer{}
	s.submitted = false
	s.status = StatusIdle
	s.lastError = ""
}

// Status returns the grading status and, for StatusError, the retained
// message.
func (s *Session) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastError
}

// Grade grades one question against the current answer.
func (s *Session) Grade(q model.Question) model.GradeResult {
	s.mu.Lock()
	answer, ok := s.answers[q.ID]
	s.mu.Unlock()
	if !ok {
		return grading.Grade(q, nil)
	}
	return grading.Grade(q, &answer)
}

// Stats aggregates grade results over the whole paper.
func (s *Session) Stats() model.ExamStats {
	s.mu.Lock()
	answers := s.answers
	s.mu.Unlock()
	return grading.CalculateExamStats(s.paper, answers)
}

// isCandidate reports whether a question is eligible for AI grading: it has a
// non-empty answer and is open-ended (short answer, calculation, or coding
// with no reference solution).
func isCandidate(q model.Question, answers map[string]model.UserAnswer) bool {
	a, ok := answers[q.ID]
	if !ok || a.Answer.IsEmpty() {
		return false
	}
	switch q.Type {
	case model.ShortAnswer, model.Calculation:
		return true
	case model.Coding:
		return strings.TrimSpace(q.CorrectAnswer.String()) == ""
	}
	return false
}

// selectTargets picks the questions to send in this pass.
func selectTargets(paper *model.ExamPaper, answers map[string]model.UserAnswer, regrade bool) []model.Question {
	var targets []model.Question
	for _, q := range paper.AllQuestions() {
		if !isCandidate(q, answers) {
			continue
		}
		if !regrade {
			a := answers[q.ID]
			if grading.Grade(q, &a).State != model.StatePending {
				continue
			}
		}
		targets = append(targets, q)
	}
	return targets
}

// GradeWithAI sends every eligible answered question to the AI backend and
// merges the verified results back into the answer state. Exactly one pass
// may be in flight; a concurrent call fails with ErrGradingInProgress.
func (s *Session) GradeWithAI(ctx context.Context, opts GradeOptions) (*GradeOutcome, error) {
	s.mu.Lock()
	if s.status == StatusGrading {
		s.mu.Unlock()
		return nil, ErrGradingInProgress
	}
	if !s.submitted {
		s.mu.Unlock()
		return &GradeOutcome{}, nil
	}

	paper := s.paper
	answers := s.answers
	targets := selectTargets(paper, answers, opts.Regrade)
	if len(targets) == 0 {
		s.mu.Unlock()
		return &GradeOutcome{}, nil
	}

	s.status = StatusGrading
	s.lastError = ""
	s.mu.Unlock()

	resp, err := s.runGrading(ctx, answers, targets, opts.Model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = StatusError
		s.lastError = err.Error()
		return nil, err
	}

	resultByID := make(map[string]ai.GradeResult, len(resp.Results))
	for _, r := range resp.Results {
		resultByID[r.QuestionID] = r
	}

	gradedAt := s.now()
	outcome := &GradeOutcome{Model: resp.Model}
	next := make(map[string]model.UserAnswer, len(s.answers))
	for id, a := range s.answers {
		next[id] = a
	}
	for _, q := range targets {
		existing, ok := next[q.ID]
		if !ok {
			continue
		}
		result, ok := resultByID[q.ID]
		if !ok {
			// The model omitted this question: left pending for a later pass.
			continue
		}
		existing.AiGrade = &model.AiGrade{
			Score:    result.Score,
			Feedback: result.Feedback,
			Model:    resp.Model,
			GradedAt: gradedAt,
		}
		next[q.ID] = existing
		outcome.Graded++
		outcome.GradedIDs = append(outcome.GradedIDs, q.ID)
	}

	s.answers = next
	s.status = StatusDone
	return outcome, nil
}

/// runGrading does the networked part of a pass: the configuration pre-flight
// followed by the batch call. It holds no locks.
func (s *Session) runGrading(ctx context.Context, answers map[string]model.UserAnswer, targets []model.Question, modelOverride string) (*ai.GradeResponse, error) {
	health, err := s.backend.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !health.HasConfig {
		return nil, &ai.ConfigError{Missing: []string{"AI_URL", "AI_KEY", "AI_MODEL"}}
	}

	items := make([]ai.GradeItem, 0, len(targets))
	for _, q := range targets {
		answer := answers[q.ID]
		ref := q.CorrectAnswer
		items = append(items, ai.GradeItem{
			QuestionID:      q.ID,
			QuestionType:    q.Type,
			MaxScore:        q.Score,
			Content:         q.Content,
			ReferenceAnswer: &ref,
			Options:         q.Options,
			UserAnswer:      answer.Answer,
		})
	}

	return s.backend.GradeBatch(ctx, items, modelOverride)
}
