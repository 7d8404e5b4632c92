package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/minqiy/examgrader/internal/ai"
	"github.com/minqiy/examgrader/internal/exam"
	"github.com/minqiy/examgrader/internal/i18n"
	"github.com/minqiy/examgrader/internal/model"
	"github.com/minqiy/examgrader/internal/schema"
	"github.com/minqiy/examgrader/internal/store"
)

const maxPaperBytes = 10 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	backend ai.Backend

	mu       sync.Mutex
	sessions map[string]*exam.Session
}

// New creates a new Handler.
func New(s *store.Store, backend ai.Backend) (*Handler, error) {
	return &Handler{store: s, backend: backend, sessions: map[string]*exam.Session{}}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/ai/health", h.handleAIHealth)
	r.Post("/api/ai/grade", h.handleAIGrade)

	r.Post("/api/exams", h.handleImportExam)
	r.Get("/api/exams", h.handleListExams)
	r.Get("/api/exams/{examID}", h.handleGetExam)
	r.Delete("/api/exams/{examID}", h.handleDeleteExam)
	r.Put("/api/exams/{examID}/answers/{questionID}", h.handleSetAnswer)
	r.Post("/api/exams/{examID}/submit", h.handleSubmit)
	r.Post("/api/exams/{examID}/reset", h.handleReset)
	r.Get("/api/exams/{examID}/stats", h.handleStats)
	r.Post("/api/exams/{examID}/ai-grade", h.handleGradeExam)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, data map[string]any) {
	writeJSON(w, status, map[string]any{"error": i18n.Td(r.Context(), msgID, data)})
}

// aiErrorStatus maps grading errors to a response status and message ID.
func aiErrorStatus(err error) (int, string, map[string]any) {
	var (
		batchErr     *ai.BatchError
		cfgErr       *ai.ConfigError
		upstreamErr  *ai.UpstreamError
		malformedErr *ai.MalformedOutputError
		timeoutErr   *ai.TimeoutError
	)
	switch {
	case errors.As(err, &batchErr):
		return http.StatusBadRequest, "InvalidBatch", map[string]any{"Reason": batchErr.Reason}
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "AiNotConfigured", nil
	case errors.As(err, &upstreamErr):
		// Body is already truncated where the error is built.
		return http.StatusBadGateway, "AiUpstreamError", map[string]any{
			"Status": upstreamErr.Status,
			"Body":   upstreamErr.Body,
		}
	case errors.As(err, &malformedErr):
		return http.StatusBadGateway, "AiMalformedOutput", nil
	case errors.As(err, &timeoutErr):
		return http.StatusInternalServerError, "AiTimeout", nil
	}
	return 0, "", nil
}

func (h *Handler) handleAIHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.backend.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, ai.Health{OK: false, HasConfig: false})
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *Handler) handleAIGrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []ai.GradeItem `json:"items"`
		Model string         `json:"model,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPaperBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidJSON", nil)
		return
	}

	resp, err := h.backend.GradeBatch(r.Context(), req.Items, req.Model)
	if err != nil {
		slog.Error("AI grading failed", "items", len(req.Items), "error", err)
		if status, msgID, data := aiErrorStatus(err); status != 0 {
			writeError(w, r, status, msgID, data)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// session returns the cached in-memory session for a paper, rebuilding it
// from the store on first access. A nil session with a nil error means the
// paper does not exist.
func (h *Handler) session(examID string) (*exam.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[examID]; ok {
		return sess, nil
	}

	paper, err := h.store.GetPaper(examID)
	if err != nil {
		return nil, err
	}
	if paper == nil {
		return nil, nil
	}
	answers, err := h.store.GetAnswers(examID)
	if err != nil {
		return nil, err
	}
	submitted, err := h.store.Submitted(examID)
	if err != nil {
		return nil, err
	}

	sess := exam.NewSession(paper, h.backend)
	sess.Restore(answers, submitted)
	h.sessions[examID] = sess
	return sess, nil
}

func (h *Handler) dropSession(examID string) {
	h.mu.Lock()
	delete(h.sessions, examID)
	h.mu.Unlock()
}

func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPaperBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidJSON", nil)
		return
	}

	paper, err := schema.AssertExamPaper(body)
	if err != nil {
		var vErr *schema.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  i18n.T(r.Context(), "ValidationFailed"),
				"issues": vErr.Issues,
			})
			return
		}
		writeError(w, r, http.StatusBadRequest, "InvalidJSON", nil)
		return
	}

	if err := h.store.SavePaper(paper); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := h.store.SetCurrentExam(paper.ExamMeta.ID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	// A re-import replaces any cached answer state.
	h.dropSession(paper.ExamMeta.ID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        paper.ExamMeta.ID,
		"title":     paper.ExamMeta.Title,
		"questions": len(paper.AllQuestions()),
	})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	papers, err := h.store.ListPapers()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if papers == nil {
		papers = []store.PaperSummary{}
	}
	writeJSON(w, http.StatusOK, papers)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	sess, err := h.session(examID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return
	}

	status, _ := sess.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"paper":         sess.Paper(),
		"answers":       sess.Answers(),
		"submitted":     sess.Submitted(),
		"gradingStatus": status,
	})
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if err := h.store.DeletePaper(examID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	h.dropSession(examID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	questionID := chi.URLParam(r, "questionID")

	var req struct {
		Answer model.AnswerValue `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidJSON", nil)
		return
	}

	sess, err := h.session(examID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return
	}

	if err := sess.SetAnswer(questionID, req.Answer); err != nil {
		switch {
		case errors.Is(err, exam.ErrAlreadySubmitted):
			writeError(w, r, http.StatusConflict, "ExamAlreadySubmitted", nil)
		case errors.Is(err, exam.ErrUnknownQuestion):
			writeError(w, r, http.StatusNotFound, "QuestionNotFound", nil)
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		}
		return
	}

	if a, ok := sess.Answer(questionID); ok {
		err = h.store.UpsertAnswer(examID, a)
	} else {
		err = h.store.DeleteAnswer(examID, questionID)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	sess, err := h.session(examID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return
	}

	sess.Submit()
	if err := h.store.SetSubmitted(examID, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	sess, err := h.session(examID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return
	}

	sess.Reset()
	if err := h.store.ClearAnswers(examID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := h.store.SetSubmitted(examID, false); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	sess, err := h.session(examID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats())
}

func (h *Handler) handleGradeExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")

	var req struct {
		Regrade bool   `json:"regrade,omitempty"`
		Model   string `json:"model,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "InvalidJSON", nil)
			return
		}
	}

	sess, err := h.session(examID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return
	}

	outcome, err := sess.GradeWithAI(r.Context(), exam.GradeOptions{
		Regrade: req.Regrade,
		Model:   req.Model,
	})
	if err != nil {
		slog.Error("exam AI grading failed", "exam", examID, "error", err)
		if errors.Is(err, exam.ErrGradingInProgress) {
			writeError(w, r, http.StatusConflict, "GradingInProgress", nil)
			return
		}
		if status, msgID, data := aiErrorStatus(err); status != 0 {
			writeError(w, r, status, msgID, data)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	if err := h.store.SaveAnswers(examID, sess.Answers()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if outcome.Graded > 0 {
		_ = h.store.SetMetadata(store.MetaGradingModel, outcome.Model)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"graded":    outcome.Graded,
		"gradedIds": outcome.GradedIDs,
		"message":   i18n.Tp(r.Context(), "AnswersGraded", outcome.Graded),
		"stats":     sess.Stats(),
	})
}
