// Package schema validates raw exam-definition JSON against the exam paper
// format. Validation accumulates every violation instead of stopping at the
// first, so a single pass over a broken file reports all of its problems.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/minqiy/examgrader/internal/model"
)

// Issue is a single structural violation, located by a JSONPath-like string.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of validating one document.
type Result struct {
	OK     bool    `json:"ok"`
	Issues []Issue `json:"issues"`
}

// ValidationError carries the full ordered issue list of a rejected document.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	return FormatIssues(e.Issues, 8)
}

// FormatIssues renders issues one per line, truncated after max entries.
func FormatIssues(issues []Issue, max int) string {
	if len(issues) == 0 {
		return "OK"
	}
	var sb strings.Builder
	sb.WriteString("exam paper does not match the expected format:")
	for i, issue := range issues {
		if i >= max {
			fmt.Fprintf(&sb, "\n... and %d more", len(issues)-max)
			break
		}
		sb.WriteString("\n" + issue.Path + ": " + issue.Message)
	}
	return sb.String()
}

func asRecord(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isFiniteNumber(v any) bool {
	n, ok := v.(float64)
	return ok && !math.IsNaN(n) && !math.IsInf(n, 0)
}

// isStringArray reports whether v is a non-empty array of strings.
func isStringArray(v any) bool {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	for _, item := range list {
		if !isString(item) {
			return false
		}
	}
	return true
}

const blankMarker = "___"

// Validate checks an arbitrary decoded JSON value against the exam paper
// schema. It never panics; every problem is recorded as an issue and
// validation continues past it.
func Validate(value any) Result {
	var issues []Issue
	add := func(path, message string) {
		issues = append(issues, Issue{Path: path, Message: message})
	}

	root, ok := asRecord(value)
	if !ok {
		add("$", "top level must be a JSON object")
		return Result{OK: false, Issues: issues}
	}

	if meta, ok := asRecord(root["examMeta"]); !ok {
		add("$.examMeta", "required, must be an object")
	} else {
		if !isNonEmptyString(meta["id"]) {
			add("$.examMeta.id", "required, must be a non-empty string")
		}
		if !isNonEmptyString(meta["title"]) {
			add("$.examMeta.title", "required, must be a non-empty string")
		}
		if !isFiniteNumber(meta["totalScore"]) {
			add("$.examMeta.totalScore", "required, must be a number")
		}
		if !isFiniteNumber(meta["duration"]) {
			add("$.examMeta.duration", "required, must be a number of minutes")
		}
		if !isNonEmptyString(meta["createTime"]) {
			add("$.examMeta.createTime", "required, must be a string (ISO time recommended)")
		}
		if !isString(meta["description"]) {
			add("$.examMeta.description", "required, must be a string (may be empty)")
		}
	}

	sections, ok := root["sections"].([]any)
	if !ok {
		add("$.sections", "required, must be an array")
		return Result{OK: false, Issues: issues}
	}

	for sectionIndex, rawSection := range sections {
		sectionPath := fmt.Sprintf("$.sections[%d]", sectionIndex)
		section, ok := asRecord(rawSection)
		if !ok {
			add(sectionPath, "must be an object")
			continue
		}

		if !isNonEmptyString(section["id"]) {
			add(sectionPath+".id", "required, must be a non-empty string")
		}
		if !isNonEmptyString(section["title"]) {
			add(sectionPath+".title", "required, must be a non-empty string")
		}
		if !isString(section["description"]) {
			add(sectionPath+".description", "required, must be a string (may be empty)")
		}
		if !isNonEmptyString(section["type"]) {
			add(sectionPath+".type", "required, must be a non-empty string")
		}

		questions, ok := section["questions"].([]any)
		if !ok {
			add(sectionPath+".questions", "required, must be an array")
			continue
		}

		for questionIndex, rawQuestion := range questions {
			qPath := fmt.Sprintf("%s.questions[%d]", sectionPath, questionIndex)
			question, ok := asRecord(rawQuestion)
			if !ok {
				add(qPath, "must be an object")
				continue
			}
			validateQuestion(question, qPath, add)
		}
	}

	return Result{OK: len(issues) == 0, Issues: issues}
}

func validateQuestion(question map[string]any, qPath string, add func(path, message string)) {
	if !isNonEmptyString(question["id"]) {
		add(qPath+".id", "required, must be a non-empty string")
	}
	if idx, ok := question["idx"].(float64); !ok || !isFiniteNumber(question["idx"]) || idx <= 0 {
		add(qPath+".idx", "required, must be a positive number")
	}
	if score, ok := question["score"].(float64); !ok || !isFiniteNumber(question["score"]) || score < 0 {
		add(qPath+".score", "required, must be a non-negative number")
	}

	rawType, _ := question["type"].(string)
	qType := model.QuestionType(rawType)
	if !isNonEmptyString(question["type"]) || !qType.Valid() {
		names := make([]string, len(model.QuestionTypes))
		for i, t := range model.QuestionTypes {
			names[i] = string(t)
		}
		add(qPath+".type", "required, must be one of: "+strings.Join(names, " | "))
		// An unknown type makes the remaining per-question rules meaningless.
		return
	}

	if !isString(question["content"]) {
		add(qPath+".content", "required, must be a string")
	}
	if !isString(question["analysis"]) {
		add(qPath+".analysis", "required, must be a string (may be empty)")
	}

	options, optionsIsArray := question["options"].([]any)
	optionLabels := map[string]bool{}

	if qType == model.SingleChoice || qType == model.MultipleChoice {
		if !optionsIsArray || len(options) < 2 {
			add(qPath+".options", "required, must be an array of at least 2 options")
		} else {
			for optIndex, rawOpt := range options {
				optPath := fmt.Sprintf("%s.options[%d]", qPath, optIndex)
				opt, ok := asRecord(rawOpt)
				if !ok {
					add(optPath, "must be an object")
					continue
				}
				if !isNonEmptyString(opt["label"]) {
					add(optPath+".label", "required, must be a non-empty string")
				} else {
					label, _ := opt["label"].(string)
					optionLabels[strings.ToUpper(strings.TrimSpace(label))] = true
				}
				if !isString(opt["value"]) {
					add(optPath+".value", "required, must be a string (may be empty)")
				}
			}
		}
	}

	if qType == model.TrueFalse && optionsIsArray && len(options) != 2 {
		add(qPath+".options", "when options are provided there must be exactly 2 (True/False)")
	}

	correctAnswer := question["correctAnswer"]
	switch qType {
	case model.MultipleChoice:
		ok := isStringArray(correctAnswer) || isNonEmptyString(correctAnswer)
		if !ok {
			add(qPath+".correctAnswer", `required, an array of strings is recommended (e.g. ["A","C"])`)
		} else {
			checkAnswerLabels(correctAnswer, optionLabels, qPath, add)
		}
	case model.FillInBlank:
		ok := isStringArray(correctAnswer) || isString(correctAnswer)
		if !ok {
			add(qPath+".correctAnswer", "required, must be a string or an array of strings in blank order")
		}
		if _, isArray := correctAnswer.([]any); !isArray {
			content, _ := question["content"].(string)
			if !strings.Contains(content, blankMarker) {
				add(qPath+".content", "when correctAnswer is not an array the content must contain "+blankMarker+" to infer the blank count")
			}
		}
	case model.SingleChoice, model.TrueFalse:
		if !isNonEmptyString(correctAnswer) {
			add(qPath+".correctAnswer", `required, must be a string (e.g. "A" / "True")`)
		} else if qType == model.SingleChoice {
			checkAnswerLabels(correctAnswer, optionLabels, qPath, add)
		}
	case model.Coding:
		// An empty or absent reference solution means pending AI grading.
		if correctAnswer != nil && !isString(correctAnswer) && !isStringArray(correctAnswer) {
			add(qPath+".correctAnswer", "should be a string (reference code); empty means pending AI grading")
		}
		if v, present := question["codeLanguage"]; present && v != nil && !isString(v) {
			add(qPath+".codeLanguage", `optional, must be a string (e.g. "python")`)
		}
		if v, present := question["defaultCode"]; present && v != nil && !isString(v) {
			add(qPath+".defaultCode", "optional, must be a string")
		}
	default:
		if !isString(correctAnswer) && !isStringArray(correctAnswer) {
			add(qPath+".correctAnswer", "required, must be a string or an array of strings")
		}
	}

	if v, present := question["isLatex"]; present && v != nil {
		if _, ok := v.(bool); !ok {
			add(qPath+".isLatex", "optional, must be a boolean")
		}
	}
}

// checkAnswerLabels verifies that every correct-answer label exists among the
// question's options. Skipped when the options themselves were rejected.
func checkAnswerLabels(correctAnswer any, optionLabels map[string]bool, qPath string, add func(path, message string)) {
	if len(optionLabels) == 0 {
		return
	}
	var labels []string
	switch v := correctAnswer.(type) {
	case string:
		labels = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				labels = append(labels, s)
			}
		}
	}
	for _, label := range labels {
		if !optionLabels[strings.ToUpper(strings.TrimSpace(label))] {
			add(qPath+".correctAnswer", fmt.Sprintf("label %q not found among options", label))
		}
	}
}

// AssertExamPaper validates raw JSON and, on success, returns it decoded into
// the typed exam paper. A rejected document yields a *ValidationError with
// the full issue list.
func AssertExamPaper(data []byte) (*model.ExamPaper, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Path: "$", Message: "invalid JSON: " + err.Error()}}}
	}

	result := Validate(value)
	if !result.OK {
		return nil, &ValidationError{Issues: result.Issues}
	}

	var paper model.ExamPaper
	if err := json.Unmarshal(data, &paper); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Path: "$", Message: "decode exam paper: " + err.Error()}}}
	}
	return &paper, nil
}
