package store

import (
	"fmt"

	"github.com/minqiy/examgrader/internal/grading"
	"github.com/minqiy/examgrader/internal/model"
)

// BuildReport assembles a per-question grade report for a stored paper by
// grading the persisted answers.
func (s *Store) BuildReport(examID string) (*model.ExamReport, error) {
	paper, err := s.GetPaper(examID)
	if err != nil {
		return nil, fmt.Errorf("get paper: %w", err)
	}
	if paper == nil {
		return nil, fmt.Errorf("exam %s not found", examID)
	}
	answers, err := s.GetAnswers(examID)
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	submitted, err := s.Submitted(examID)
	if err != nil {
		return nil, fmt.Errorf("get submit state: %w", err)
	}

	report := &model.ExamReport{
		ExamID:    paper.ExamMeta.ID,
		Title:     paper.ExamMeta.Title,
		Submitted: submitted,
		Stats:     grading.CalculateExamStats(paper, answers),
	}
	for _, q := range paper.AllQuestions() {
		var answer *model.UserAnswer
		if a, ok := answers[q.ID]; ok {
			answer = &a
		}
		result := grading.Grade(q, answer)

		qr := model.QuestionReport{
			ID:       q.ID,
			Idx:      q.Idx,
			Type:     q.Type,
			State:    result.State,
			Score:    result.Score,
			MaxScore: q.Score,
		}
		if answer != nil && answer.AiGrade != nil {
			qr.AiFeedback = answer.AiGrade.Feedback
			qr.AiModel = answer.AiGrade.Model
		}
		report.Questions = append(report.Questions, qr)
	}
	return report, nil
}
