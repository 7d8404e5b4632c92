package store

import (
	"testing"
	"time"

	"github.com/minqiy/examgrader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPaper() *model.ExamPaper {
	return &model.ExamPaper{
		ExamMeta: model.ExamMeta{ID: "exam-1", Title: "Midterm", TotalScore: 15},
		Sections: []model.Section{{
			ID:    "s1",
			Title: "Basics",
			Questions: []model.Question{
				{
					ID: "q1", Idx: 1, Score: 5, Type: model.SingleChoice,
					Content:       "Pick one",
					CorrectAnswer: model.Str("A"),
					Options:       []model.Option{{Label: "A", Value: "yes"}, {Label: "B", Value: "no"}},
				},
				{
					ID: "q2", Idx: 2, Score: 10, Type: model.ShortAnswer,
					Content:       "Explain",
					CorrectAnswer: model.Str("reference"),
				},
			},
		}},
	}
}

func TestPaperCRUD(t *testing.T) {
	s := newTestStore(t)

	// Empty DB should return zero count and a nil paper.
	count, err := s.PaperCount()
	if err != nil {
		t.Fatalf("PaperCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 papers, got %d", count)
	}
	paper, err := s.GetPaper("missing")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if paper != nil {
		t.Fatal("expected nil paper for unknown ID")
	}

	// Save and retrieve round-trips the full paper.
	if err := s.SavePaper(testPaper()); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}
	paper, err = s.GetPaper("exam-1")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if paper == nil {
		t.Fatal("expected stored paper")
	}
	if paper.ExamMeta.Title != "Midterm" {
		t.Errorf("title = %q, want Midterm", paper.ExamMeta.Title)
	}
	if got := len(paper.AllQuestions()); got != 2 {
		t.Errorf("questions = %d, want 2", got)
	}
	if paper.Sections[0].Questions[0].CorrectAnswer.String() != "A" {
		t.Error("correct answer should survive the round trip")
	}

	// A second save overwrites in place.
	updated := testPaper()
	updated.ExamMeta.Title = "Midterm v2"
	if err := s.SavePaper(updated); err != nil {
		t.Fatalf("SavePaper update: %v", err)
	}
	papers, err := s.ListPapers()
	if err != nil {
		t.Fatalf("ListPapers: %v", err)
	}
	if len(papers) != 1 || papers[0].Title != "Midterm v2" {
		t.Fatalf("ListPapers = %+v, want single updated row", papers)
	}
}

func TestSubmitFlag(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePaper(testPaper()); err != nil {
		t.Fatal(err)
	}

	submitted, err := s.Submitted("exam-1")
	if err != nil {
		t.Fatalf("Submitted: %v", err)
	}
	if submitted {
		t.Fatal("new paper should not be submitted")
	}

	if err := s.SetSubmitted("exam-1", true); err != nil {
		t.Fatalf("SetSubmitted: %v", err)
	}
	if submitted, _ = s.Submitted("exam-1"); !submitted {
		t.Fatal("submit flag should persist")
	}
}

func TestAnswerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePaper(testPaper()); err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertAnswer("exam-1", model.UserAnswer{
		QuestionID: "q1",
		Answer:     model.List("A", "B"),
	}); err != nil {
		t.Fatalf("UpsertAnswer: %v", err)
	}

	gradedAt := time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)
	if err := s.UpsertAnswer("exam-1", model.UserAnswer{
		QuestionID: "q2",
		Answer:     model.Str("because"),
		AiGrade: &model.AiGrade{
			Score:    7.5,
			Feedback: "mostly right",
			Model:    "gpt-test",
			GradedAt: gradedAt,
		},
	}); err != nil {
		t.Fatalf("UpsertAnswer with grade: %v", err)
	}

	answers, err := s.GetAnswers("exam-1")
	if err != nil {
		t.Fatalf("GetAnswers: %v", err)
	}
	if len(answers) != 2 {
		t.Fatalf("answers = %d, want 2", len(answers))
	}

	a1 := answers["q1"]
	if !a1.Answer.IsList || a1.Answer.String() != "A,B" {
		t.Errorf("q1 answer = %+v, want list A,B", a1.Answer)
	}
	if a1.AiGrade != nil {
		t.Error("q1 should have no AI grade")
	}

	a2 := answers["q2"]
	if a2.AiGrade == nil {
		t.Fatal("q2 should carry its AI grade")
	}
	if a2.AiGrade.Score != 7.5 || a2.AiGrade.Feedback != "mostly right" || a2.AiGrade.Model != "gpt-test" {
		t.Errorf("q2 grade = %+v", a2.AiGrade)
	}
	if !a2.AiGrade.GradedAt.Equal(gradedAt) {
		t.Errorf("q2 gradedAt = %v, want %v", a2.AiGrade.GradedAt, gradedAt)
	}

	// Updating an answer drops a stale grade only if the caller clears it.
	if err := s.UpsertAnswer("exam-1", model.UserAnswer{
		QuestionID: "q2",
		Answer:     model.Str("revised"),
	}); err != nil {
		t.Fatalf("UpsertAnswer revise: %v", err)
	}
	answers, _ = s.GetAnswers("exam-1")
	if answers["q2"].AiGrade != nil {
		t.Error("revised answer should have no AI grade")
	}

	if err := s.DeleteAnswer("exam-1", "q1"); err != nil {
		t.Fatalf("DeleteAnswer: %v", err)
	}
	answers, _ = s.GetAnswers("exam-1")
	if _, ok := answers["q1"]; ok {
		t.Error("q1 should be deleted")
	}
}

func TestSaveAnswersReplacesSet(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePaper(testPaper()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAnswer("exam-1", model.UserAnswer{QuestionID: "q1", Answer: model.Str("A")}); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveAnswers("exam-1", map[string]model.UserAnswer{
		"q2": {QuestionID: "q2", Answer: model.Str("because")},
	}); err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}

	answers, err := s.GetAnswers("exam-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 1 {
		t.Fatalf("answers = %d, want the replacement set only", len(answers))
	}
	if _, ok := answers["q2"]; !ok {
		t.Fatal("q2 should be present after replacement")
	}
}

func TestDeletePaperCascades(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePaper(testPaper()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAnswer("exam-1", model.UserAnswer{QuestionID: "q1", Answer: model.Str("A")}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePaper("exam-1"); err != nil {
		t.Fatalf("DeletePaper: %v", err)
	}
	paper, err := s.GetPaper("exam-1")
	if err != nil {
		t.Fatal(err)
	}
	if paper != nil {
		t.Fatal("paper should be gone")
	}
	answers, err := s.GetAnswers("exam-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 0 {
		t.Fatal("answers should be gone with the paper")
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetMetadata("missing")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "" {
		t.Fatalf("missing key = %q, want empty", v)
	}

	if err := s.SetCurrentExam("exam-1"); err != nil {
		t.Fatalf("SetCurrentExam: %v", err)
	}
	if err := s.SetCurrentExam("exam-2"); err != nil {
		t.Fatalf("SetCurrentExam update: %v", err)
	}
	id, err := s.CurrentExam()
	if err != nil {
		t.Fatalf("CurrentExam: %v", err)
	}
	if id != "exam-2" {
		t.Fatalf("CurrentExam = %q, want exam-2", id)
	}

	ver, err := s.GetMetadata(MetaSchemaVersion)
	if err != nil {
		t.Fatalf("GetMetadata schema version: %v", err)
	}
	if ver != "1" {
		t.Fatalf("schema version = %q, want 1", ver)
	}
}

func TestBuildReport(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePaper(testPaper()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAnswer("exam-1", model.UserAnswer{QuestionID: "q1", Answer: model.Str("a")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAnswer("exam-1", model.UserAnswer{
		QuestionID: "q2",
		Answer:     model.Str("because"),
		AiGrade:    &model.AiGrade{Score: 8, Feedback: "good", Model: "gpt-test"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSubmitted("exam-1", true); err != nil {
		t.Fatal(err)
	}

	report, err := s.BuildReport("exam-1")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !report.Submitted || report.ExamID != "exam-1" {
		t.Fatalf("report header = %+v", report)
	}
	if len(report.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(report.Questions))
	}
	if report.Questions[0].State != model.StateCorrect || report.Questions[0].Score != 5 {
		t.Errorf("q1 = %+v, want correct 5 (case-insensitive match)", report.Questions[0])
	}
	if report.Questions[1].Score != 8 || report.Questions[1].AiFeedback != "good" {
		t.Errorf("q2 = %+v, want AI-graded 8", report.Questions[1])
	}
	if report.Stats.CurrentScore != 13 {
		t.Errorf("stats.CurrentScore = %v, want 13", report.Stats.CurrentScore)
	}

	if _, err := s.BuildReport("missing"); err == nil {
		t.Fatal("BuildReport(missing) should fail")
	}
}
