package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode test document: %v", err)
	}
	return v
}

const validPaper = `{
	"examMeta": {
		"id": "exam-1",
		"title": "Midterm",
		"totalScore": 100,
		"duration": 90,
		"createTime": "2024-06-01T09:00:00Z",
		"description": ""
	},
	"sections": [
		{
			"id": "s1",
			"title": "Choices",
			"description": "",
			"type": "choice",
			"questions": [
				{
					"id": "q1",
					"idx": 1,
					"score": 5,
					"type": "single_choice",
					"content": "Pick one",
					"analysis": "",
					"options": [
						{"label": "A", "value": "first"},
						{"label": "B", "value": "second"}
					],
					"correctAnswer": "A"
				},
				{
					"id": "q2",
					"idx": 2,
					"score": 10,
					"type": "multiple_choice",
					"content": "Pick many",
					"analysis": "",
					"options": [
						{"label": "A", "value": ""},
						{"label": "B", "value": ""},
						{"label": "C", "value": ""}
					],
					"correctAnswer": ["A", "C"]
				},
				{
					"id": "q3",
					"idx": 3,
					"score": 10,
					"type": "fill_in_blank",
					"content": "The capital is ___",
					"analysis": "",
					"correctAnswer": "Paris"
				},
				{
					"id": "q4",
					"idx": 4,
					"score": 10,
					"type": "coding",
					"content": "Implement add",
					"analysis": "",
					"correctAnswer": "",
					"codeLanguage": "python",
					"defaultCode": "def add(a, b):\n    pass"
				}
			]
		}
	]
}`

func TestValidateAcceptsValidPaper(t *testing.T) {
	result := Validate(decode(t, validPaper))
	if !result.OK {
		t.Fatalf("expected ok, got issues: %v", result.Issues)
	}
	if len(result.Issues) != 0 {
		t.Errorf("expected no issues, got %d", len(result.Issues))
	}
}

func TestValidateRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[]`, `"paper"`, `42`, `null`} {
		result := Validate(decode(t, raw))
		if result.OK {
			t.Errorf("Validate(%s) should fail", raw)
		}
		if len(result.Issues) != 1 || result.Issues[0].Path != "$" {
			t.Errorf("Validate(%s) issues = %v, want one issue at $", raw, result.Issues)
		}
	}
}

func TestValidateAccumulatesIssues(t *testing.T) {
	raw := `{
		"examMeta": {
			"id": "exam-1",
			"totalScore": 100,
			"duration": 90,
			"createTime": "2024-06-01",
			"description": ""
		},
		"sections": [
			{
				"id": "s1",
				"title": "Broken",
				"description": "",
				"type": "mixed",
				"questions": [
					{
						"id": "q1",
						"idx": 1,
						"score": 5,
						"type": "essay_question",
						"content": "bad type",
						"analysis": ""
					},
					{
						"id": "q2",
						"idx": -1,
						"score": -5,
						"type": "single_choice",
						"content": "negative numbers",
						"analysis": "",
						"options": [
							{"label": "A", "value": ""},
							{"label": "B", "value": ""}
						],
						"correctAnswer": "A"
					}
				]
			}
		]
	}`

	result := Validate(decode(t, raw))
	if result.OK {
		t.Fatal("expected validation to fail")
	}

	// Missing title, unknown type, bad idx, bad score: all reported at once.
	if len(result.Issues) < 4 {
		t.Fatalf("expected at least 4 issues, got %d: %v", len(result.Issues), result.Issues)
	}
	for _, issue := range result.Issues {
		if issue.Path == "" {
			t.Errorf("issue with empty path: %+v", issue)
		}
	}

	paths := make(map[string]bool)
	for _, issue := range result.Issues {
		paths[issue.Path] = true
	}
	for _, want := range []string{
		"$.examMeta.title",
		"$.sections[0].questions[0].type",
		"$.sections[0].questions[1].idx",
		"$.sections[0].questions[1].score",
	} {
		if !paths[want] {
			t.Errorf("missing issue at %s, got paths %v", want, paths)
		}
	}
}

func TestValidateUnknownTypeSkipsFurtherChecks(t *testing.T) {
	raw := `{
		"examMeta": {"id": "e", "title": "t", "totalScore": 1, "duration": 1, "createTime": "now", "description": ""},
		"sections": [{
			"id": "s1", "title": "s", "description": "", "type": "x",
			"questions": [{"id": "q1", "idx": 1, "score": 1, "type": "mystery"}]
		}]
	}`
	result := Validate(decode(t, raw))
	if result.OK {
		t.Fatal("expected validation to fail")
	}
	// Only the type issue for that question: content/analysis/correctAnswer
	// checks are skipped once the type is unrecognized.
	for _, issue := range result.Issues {
		if strings.HasPrefix(issue.Path, "$.sections[0].questions[0]") &&
			issue.Path != "$.sections[0].questions[0].type" {
			t.Errorf("unexpected issue past unknown type: %+v", issue)
		}
	}
}

func TestValidateChoiceRules(t *testing.T) {
	tests := []struct {
		name     string
		question string
		wantPath string
	}{
		{
			"single choice needs at least 2 options",
			`{"id": "q", "idx": 1, "score": 1, "type": "single_choice", "content": "", "analysis": "",
			  "options": [{"label": "A", "value": ""}], "correctAnswer": "A"}`,
			".options",
		},
		{
			"true_false options must number exactly 2",
			`{"id": "q", "idx": 1, "score": 1, "type": "true_false", "content": "", "analysis": "",
			  "options": [{"label": "True", "value": ""}], "correctAnswer": "True"}`,
			".options",
		},
		{
			"multiple choice empty correctAnswer array",
			`{"id": "q", "idx": 1, "score": 1, "type": "multiple_choice", "content": "", "analysis": "",
			  "options": [{"label": "A", "value": ""}, {"label": "B", "value": ""}], "correctAnswer": []}`,
			".correctAnswer",
		},
		{
			"correct label outside options",
			`{"id": "q", "idx": 1, "score": 1, "type": "single_choice", "content": "", "analysis": "",
			  "options": [{"label": "A", "value": ""}, {"label": "B", "value": ""}], "correctAnswer": "Z"}`,
			".correctAnswer",
		},
		{
			"blank question without array or marker",
			`{"id": "q", "idx": 1, "score": 1, "type": "fill_in_blank", "content": "no marker here", "analysis": "",
			  "correctAnswer": "Paris"}`,
			".content",
		},
		{
			"isLatex must be boolean",
			`{"id": "q", "idx": 1, "score": 1, "type": "short_answer", "content": "", "analysis": "",
			  "correctAnswer": "ref", "isLatex": "yes"}`,
			".isLatex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{
				"examMeta": {"id": "e", "title": "t", "totalScore": 1, "duration": 1, "createTime": "now", "description": ""},
				"sections": [{"id": "s1", "title": "s", "description": "", "type": "x", "questions": [` + tt.question + `]}]
			}`
			result := Validate(decode(t, raw))
			if result.OK {
				t.Fatal("expected validation to fail")
			}
			found := false
			for _, issue := range result.Issues {
				if strings.HasSuffix(issue.Path, tt.wantPath) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an issue ending in %s, got %v", tt.wantPath, result.Issues)
			}
		})
	}
}

func TestAssertExamPaper(t *testing.T) {
	t.Run("valid paper decodes", func(t *testing.T) {
		paper, err := AssertExamPaper([]byte(validPaper))
		if err != nil {
			t.Fatalf("AssertExamPaper: %v", err)
		}
		if paper.ExamMeta.ID != "exam-1" {
			t.Errorf("exam id = %q, want exam-1", paper.ExamMeta.ID)
		}
		if len(paper.AllQuestions()) != 4 {
			t.Errorf("question count = %d, want 4", len(paper.AllQuestions()))
		}
		q2 := paper.FindQuestion("q2")
		if q2 == nil || !q2.CorrectAnswer.IsList || len(q2.CorrectAnswer.Values) != 2 {
			t.Errorf("q2 correctAnswer = %+v, want list of 2", q2)
		}
	})

	t.Run("invalid paper returns ValidationError", func(t *testing.T) {
		_, err := AssertExamPaper([]byte(`{"sections": []}`))
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected *ValidationError, got %T: %v", err, err)
		}
		if len(vErr.Issues) == 0 {
			t.Error("expected issues in validation error")
		}
	})

	t.Run("malformed JSON returns ValidationError", func(t *testing.T) {
		_, err := AssertExamPaper([]byte(`{`))
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected *ValidationError, got %T: %v", err, err)
		}
	})
}

func TestFormatIssues(t *testing.T) {
	if got := FormatIssues(nil, 8); got != "OK" {
		t.Errorf("FormatIssues(nil) = %q, want OK", got)
	}

	issues := make([]Issue, 10)
	for i := range issues {
		issues[i] = Issue{Path: "$.x", Message: "bad"}
	}
	got := FormatIssues(issues, 8)
	if !strings.Contains(got, "... and 2 more") {
		t.Errorf("FormatIssues should truncate, got %q", got)
	}
}
