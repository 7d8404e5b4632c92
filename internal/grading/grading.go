// Package grading implements the deterministic scoring engine. Grading is a
// pure function of (question, answer, optional AI grade): results are derived
// on every read and never cached.
package grading

import (
	"math"
	"strings"

	"github.com/minqiy/examgrader/internal/model"
)

// normalizeKey prepares an option label for comparison.
func normalizeKey(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// normalizeText prepares free text for comparison.
func normalizeText(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// normalizeCode unifies line endings, strips trailing whitespace per line and
// trims the whole snippet so formatting-only differences do not fail a
// reference comparison.
func normalizeCode(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Round2 rounds to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Clamp forces a score into [0, maxScore]. Non-finite and negative values
// become 0, values above maxScore are capped, everything else is rounded to
// 2 decimal places.
func Clamp(score, maxScore float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return Round2(score)
}

// scoreToState classifies an AI-derived score.
func scoreToState(score, maxScore float64) model.GradeState {
	if maxScore <= 0 {
		return model.StateCorrect
	}
	if score <= 0 {
		return model.StateWrong
	}
	if score >= maxScore {
		return model.StateCorrect
	}
	return model.StatePartial
}

// IsEmptyAnswer reports whether an answer counts as not given: the answer is
// absent, or every element of it trims to the empty string.
func IsEmptyAnswer(answer *model.UserAnswer) bool {
	return answer == nil || answer.Answer.IsEmpty()
}

// IsAutoGradable reports whether a question type can be graded without AI.
func IsAutoGradable(t model.QuestionType) bool {
	return t != model.ShortAnswer && t != model.Calculation
}

// Grade grades a single question against the submitted answer, if any.
func Grade(q model.Question, answer *model.UserAnswer) model.GradeResult {
	maxScore := q.Score

	if IsEmptyAnswer(answer) {
		return model.GradeResult{State: model.StateUnanswered, Score: 0, MaxScore: maxScore}
	}

	switch q.Type {
	case model.ShortAnswer, model.Calculation:
		return gradeWithAI(answer, maxScore)

	case model.SingleChoice, model.TrueFalse:
		userVal := normalizeKey(answer.Answer.String())
		correctVal := normalizeKey(q.CorrectAnswer.String())
		if userVal == correctVal {
			return model.GradeResult{State: model.StateCorrect, Score: maxScore, MaxScore: maxScore}
		}
		return model.GradeResult{State: model.StateWrong, Score: 0, MaxScore: maxScore}

	case model.MultipleChoice:
		return gradeMultipleChoice(q, answer, maxScore)

	case model.FillInBlank:
		return gradeFillInBlank(q, answer, maxScore)

	case model.Coding:
		referenceCode := strings.TrimSpace(q.CorrectAnswer.String())
		if referenceCode == "" {
			// No reference solution: grade like a short answer.
			return gradeWithAI(answer, maxScore)
		}
		if normalizeCode(answer.Answer.String()) == normalizeCode(referenceCode) {
			return model.GradeResult{State: model.StateCorrect, Score: maxScore, MaxScore: maxScore}
		}
		return model.GradeResult{State: model.StateWrong, Score: 0, MaxScore: maxScore}

	default:
		return model.GradeResult{State: model.StatePending, Score: 0, MaxScore: maxScore}
	}
}

// gradeWithAI classifies an AI-graded answer, or reports it pending if no AI
// grade has arrived yet.
func gradeWithAI(answer *model.UserAnswer, maxScore float64) model.GradeResult {
	if answer.AiGrade != nil {
		score := Clamp(answer.AiGrade.Score, maxScore)
		return model.GradeResult{State: scoreToState(score, maxScore), Score: score, MaxScore: maxScore}
	}
	return model.GradeResult{State: model.StatePending, Score: 0, MaxScore: maxScore}
}

func gradeMultipleChoice(q model.Question, answer *model.UserAnswer, maxScore float64) model.GradeResult {
	correct := make([]string, 0, len(q.CorrectAnswer.Values))
	for _, v := range q.CorrectAnswer.Values {
		correct = append(correct, normalizeKey(v))
	}

	seen := make(map[string]bool)
	var selected []string
	for _, v := range answer.Answer.Values {
		key := normalizeKey(v)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		selected = append(selected, key)
	}

	correctSet := make(map[string]bool, len(correct))
	for _, key := range correct {
		correctSet[key] = true
	}

	// One wrong pick zeroes the whole question.
	for _, key := range selected {
		if !correctSet[key] {
			return model.GradeResult{State: model.StateWrong, Score: 0, MaxScore: maxScore}
		}
	}

	correctSelected := len(selected)
	if correctSelected <= 0 {
		return model.GradeResult{State: model.StateUnanswered, Score: 0, MaxScore: maxScore}
	}

	score := Round2(float64(correctSelected) / float64(len(correct)) * maxScore)
	state := model.StatePartial
	if correctSelected == len(correct) {
		state = model.StateCorrect
	}
	return model.GradeResult{State: state, Score: score, MaxScore: maxScore}
}

func gradeFillInBlank(q model.Question, answer *model.UserAnswer, maxScore float64) model.GradeResult {
	expected := q.CorrectAnswer.Values
	if len(expected) == 0 {
		expected = []string{""}
	}

	submitted := answer.Answer.Values

	correctCount := 0
	for i := range expected {
		var userVal string
		if i < len(submitted) {
			userVal = normalizeText(submitted[i])
		}
		if userVal != "" && userVal == normalizeText(expected[i]) {
			correctCount++
		}
	}

	score := Round2(float64(correctCount) / float64(len(expected)) * maxScore)
	state := model.StateWrong
	switch {
	case correctCount == len(expected):
		state = model.StateCorrect
	case score > 0:
		state = model.StatePartial
	}
	return model.GradeResult{State: state, Score: score, MaxScore: maxScore}
}

// CalculateExamStats folds Grade over every question of the paper.
func CalculateExamStats(paper *model.ExamPaper, answers map[string]model.UserAnswer) model.ExamStats {
	questions := paper.AllQuestions()

	var currentScore, autoTotalScore float64
	pendingQuestions := 0

	for _, q := range questions {
		var answer *model.UserAnswer
		if a, ok := answers[q.ID]; ok {
			answer = &a
		}
		result := Grade(q, answer)
		if result.State == model.StatePending {
			pendingQuestions++
		} else {
			autoTotalScore += q.Score
		}
		currentScore += result.Score
	}

	answeredQuestions := 0
	for _, a := range answers {
		if !a.Answer.IsEmpty() {
			answeredQuestions++
		}
	}

	return model.ExamStats{
		TotalQuestions:    len(questions),
		AnsweredQuestions: answeredQuestions,
		CurrentScore:      Round2(currentScore),
		AutoTotalScore:    autoTotalScore,
		PendingQuestions:  pendingQuestions,
	}
}
