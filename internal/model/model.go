package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QuestionType identifies how a question is answered and graded.
type QuestionType string

const (
	SingleChoice   QuestionType = "single_choice"
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	FillInBlank    QuestionType = "fill_in_blank"
	ShortAnswer    QuestionType = "short_answer"
	Calculation    QuestionType = "calculation"
	Coding         QuestionType = "coding"
)

// QuestionTypes lists every recognized question type in a stable order.
var QuestionTypes = []QuestionType{
	SingleChoice,
	MultipleChoice,
	TrueFalse,
	FillInBlank,
	ShortAnswer,
	Calculation,
	Coding,
}

// Valid reports whether t is one of the recognized question types.
func (t QuestionType) Valid() bool {
	for _, known := range QuestionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AnswerValue is a value the exam format allows to be either a single string
// or a list of strings: correct answers, fill-in-blank submissions,
// multiple-choice selections.
type AnswerValue struct {
	Values []string
	IsList bool
}

// Str builds a scalar AnswerValue.
func Str(s string) AnswerValue {
	return AnswerValue{Values: []string{s}}
}

// List builds a list AnswerValue.
func List(values ...string) AnswerValue {
	return AnswerValue{Values: values, IsList: true}
}

// String flattens the value to a single string. List values are joined with
// commas, matching how the exam file format prints them.
func (a AnswerValue) String() string {
	return strings.Join(a.Values, ",")
}

// IsEmpty reports whether the value is absent or every element trims to "".
func (a AnswerValue) IsEmpty() bool {
	for _, v := range a.Values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (a *AnswerValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = AnswerValue{Values: []string{s}}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*a = AnswerValue{Values: list, IsList: true}
		return nil
	}
	return fmt.Errorf("value must be a string or an array of strings")
}

// MarshalJSON writes the value back in the same shape it was read.
func (a AnswerValue) MarshalJSON() ([]byte, error) {
	if a.IsList {
		values := a.Values
		if values == nil {
			values = []string{}
		}
		return json.Marshal(values)
	}
	if len(a.Values) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(a.Values[0])
}

// Option is a selectable choice of a choice-type question.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Question is a single exam item.
type Question struct {
	ID            string       `json:"id"`
	Idx           float64      `json:"idx"`
	Score         float64      `json:"score"`
	Type          QuestionType `json:"type"`
	Content       string       `json:"content"`
	Options       []Option     `json:"options,omitempty"`
	CorrectAnswer AnswerValue  `json:"correctAnswer"`
	Analysis      string       `json:"analysis"`
	IsLatex       bool         `json:"isLatex,omitempty"`
	CodeLanguage  string       `json:"codeLanguage,omitempty"`
	DefaultCode   string       `json:"defaultCode,omitempty"`
}

// Section is an ordered group of questions. Purely organizational: it carries
// no grading semantics.
type Section struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Questions   []Question `json:"questions"`
}

// ExamMeta describes the exam paper as a whole.
type ExamMeta struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	TotalScore  float64 `json:"totalScore"`
	Duration    float64 `json:"duration"`
	CreateTime  string  `json:"createTime"`
	Description string  `json:"description"`
}

// ExamPaper is the loaded exam definition. Immutable once loaded: a reload
// replaces the whole value, it is never patched in place.
type ExamPaper struct {
	ExamMeta ExamMeta  `json:"examMeta"`
	Sections []Section `json:"sections"`
}

// AllQuestions returns every question across all sections in document order.
func (p *ExamPaper) AllQuestions() []Question {
	var questions []Question
	for _, s := range p.Sections {
		questions = append(questions, s.Questions...)
	}
	return questions
}

// FindQuestion returns the question with the given ID, or nil.
func (p *ExamPaper) FindQuestion(id string) *Question {
	for si := range p.Sections {
		for qi := range p.Sections[si].Questions {
			if p.Sections[si].Questions[qi].ID == id {
				return &p.Sections[si].Questions[qi]
			}
		}
	}
	return nil
}

// AiGrade is an AI-produced score for one answer. The score is clamped into
// [0, maxScore] before it is ever stored.
type AiGrade struct {
	Score    float64   `json:"score"`
	Feedback string    `json:"feedback,omitempty"`
	Model    string    `json:"model,omitempty"`
	GradedAt time.Time `json:"gradedAt"`
}

// UserAnswer is a submitted answer for one question.
type UserAnswer struct {
	QuestionID string      `json:"questionId"`
	Answer     AnswerValue `json:"answer"`
	AiGrade    *AiGrade    `json:"aiGrade,omitempty"`
}

// GradeState classifies a graded answer.
type GradeState string

const (
	StateUnanswered GradeState = "unanswered"
	StateCorrect    GradeState = "correct"
	StatePartial    GradeState = "partial"
	StateWrong      GradeState = "wrong"
	StatePending    GradeState = "pending"
)

// GradeResult is the derived grade of a single question. It is recomputed on
// every read and never stored.
type GradeResult struct {
	State    GradeState `json:"state"`
	Score    float64    `json:"score"`
	MaxScore float64    `json:"maxScore"`
}

// ExamStats aggregates grade results over a whole paper.
type ExamStats struct {
	TotalQuestions    int     `json:"totalQuestions"`
	AnsweredQuestions int     `json:"answeredQuestions"`
	CurrentScore      float64 `json:"currentScore"`
	AutoTotalScore    float64 `json:"autoTotalScore"`
	PendingQuestions  int     `json:"pendingQuestions"`
}
