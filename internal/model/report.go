package model

// ExamReport is the top-level JSON structure produced by the grade command.
type ExamReport struct {
	ExamID    string           `json:"exam_id"`
	Title     string           `json:"title"`
	Submitted bool             `json:"submitted"`
	Stats     ExamStats        `json:"stats"`
	Questions []QuestionReport `json:"questions"`
}

// QuestionReport holds per-question data for the report.
type QuestionReport struct {
	ID         string       `json:"id"`
	Idx        float64      `json:"idx"`
	Type       QuestionType `json:"type"`
	State      GradeState   `json:"state"`
	Score      float64      `json:"score"`
	MaxScore   float64      `json:"max_score"`
	AiFeedback string       `json:"ai_feedback,omitempty"`
	AiModel    string       `json:"ai_model,omitempty"`
}
