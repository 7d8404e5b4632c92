package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minqiy/examgrader/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.SetMetadata(MetaSchemaVersion, schemaVersion); err != nil {
		return nil, fmt.Errorf("record schema version: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exam_papers (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		payload TEXT NOT NULL,
		submitted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS answers (
		exam_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		answer TEXT NOT NULL,
		ai_score REAL,
		ai_feedback TEXT NOT NULL DEFAULT '',
		ai_model TEXT NOT NULL DEFAULT '',
		graded_at DATETIME,
		PRIMARY KEY (exam_id, question_id),
		FOREIGN KEY (exam_id) REFERENCES exam_papers(id)
	);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PaperSummary is one row of the paper listing.
type PaperSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Submitted bool      `json:"submitted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SavePaper inserts or replaces an exam paper. The full paper JSON is kept as
// an opaque payload; saving again resets nothing besides the payload and
// title.
func (s *Store) SavePaper(paper *model.ExamPaper) error {
	payload, err := json.Marshal(paper)
	if err != nil {
		return fmt.Errorf("encode paper: %w", err)
	}
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO exam_papers (id, title, payload, submitted, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = ?, payload = ?, updated_at = ?`,
		paper.ExamMeta.ID, paper.ExamMeta.Title, string(payload), now, now,
		paper.ExamMeta.Title, string(payload), now,
	)
	return err
}

// GetPaper returns a paper by ID, or nil when it does not exist.
func (s *Store) GetPaper(id string) (*model.ExamPaper, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM exam_papers WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paper model.ExamPaper
	if err := json.Unmarshal([]byte(payload), &paper); err != nil {
		return nil, fmt.Errorf("decode paper %s: %w", id, err)
	}
	return &paper, nil
}

// ListPapers returns summaries of all stored papers, newest first.
func (s *Store) ListPapers() ([]PaperSummary, error) {
	rows, err := s.db.Query(`SELECT id, title, submitted, updated_at FROM exam_papers ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var papers []PaperSummary
	for rows.Next() {
		var p PaperSummary
		if err := rows.Scan(&p.ID, &p.Title, &p.Submitted, &p.UpdatedAt); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

// DeletePaper removes a paper and its answers.
func (s *Store) DeletePaper(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM answers WHERE exam_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM exam_papers WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetSubmitted flips the submit flag for a paper.
func (s *Store) SetSubmitted(examID string, submitted bool) error {
	_, err := s.db.Exec(
		`UPDATE exam_papers SET submitted = ?, updated_at = ? WHERE id = ?`,
		submitted, time.Now(), examID,
	)
	return err
}

// Submitted reports the submit flag for a paper.
func (s *Store) Submitted(examID string) (bool, error) {
	var submitted bool
	err := s.db.QueryRow(`SELECT submitted FROM exam_papers WHERE id = ?`, examID).Scan(&submitted)
	return submitted, err
}

// UpsertAnswer stores an answer, including its AI grade when present.
func (s *Store) UpsertAnswer(examID string, a model.UserAnswer) error {
	answer, err := json.Marshal(a.Answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}

	var (
		aiScore    sql.NullFloat64
		aiFeedback string
		aiModel    string
		gradedAt   sql.NullTime
	)
	if a.AiGrade != nil {
		aiScore = sql.NullFloat64{Float64: a.AiGrade.Score, Valid: true}
		aiFeedback = a.AiGrade.Feedback
		aiModel = a.AiGrade.Model
		gradedAt = sql.NullTime{Time: a.AiGrade.GradedAt, Valid: true}
	}

	_, err = s.db.Exec(
		`INSERT INTO answers (exam_id, question_id, answer, ai_score, ai_feedback, ai_model, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(exam_id, question_id) DO UPDATE SET
		 answer = ?, ai_score = ?, ai_feedback = ?, ai_model = ?, graded_at = ?`,
		examID, a.QuestionID, string(answer), aiScore, aiFeedback, aiModel, gradedAt,
		string(answer), aiScore, aiFeedback, aiModel, gradedAt,
	)
	return err
}

// DeleteAnswer removes one answer.
func (s *Store) DeleteAnswer(examID, questionID string) error {
	_, err := s.db.Exec(`DELETE FROM answers WHERE exam_id = ? AND question_id = ?`, examID, questionID)
	return err
}

// ClearAnswers removes every answer for a paper.
func (s *Store) ClearAnswers(examID string) error {
	_, err := s.db.Exec(`DELETE FROM answers WHERE exam_id = ?`, examID)
	return err
}

// GetAnswers returns all answers for a paper, keyed by question ID.
func (s *Store) GetAnswers(examID string) (map[string]model.UserAnswer, error) {
	rows, err := s.db.Query(
		`SELECT question_id, answer, ai_score, ai_feedback, ai_model, graded_at
		 FROM answers WHERE exam_id = ?`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := map[string]model.UserAnswer{}
	for rows.Next() {
		var (
			a          model.UserAnswer
			raw        string
			aiScore    sql.NullFloat64
			aiFeedback string
			aiModel    string
			gradedAt   sql.NullTime
		)
		if err := rows.Scan(&a.QuestionID, &raw, &aiScore, &aiFeedback, &aiModel, &gradedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &a.Answer); err != nil {
			return nil, fmt.Errorf("decode answer %s/%s: %w", examID, a.QuestionID, err)
		}
		if aiScore.Valid {
			a.AiGrade = &model.AiGrade{
				Score:    aiScore.Float64,
				Feedback: aiFeedback,
				Model:    aiModel,
			}
			if gradedAt.Valid {
				a.AiGrade.GradedAt = gradedAt.Time
			}
		}
		answers[a.QuestionID] = a
	}
	return answers, rows.Err()
}

// SaveAnswers replaces the whole answer set for a paper in one transaction.
func (s *Store) SaveAnswers(examID string, answers map[string]model.UserAnswer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM answers WHERE exam_id = ?`, examID); err != nil {
		return err
	}
	for _, a := range answers {
		answer, err := json.Marshal(a.Answer)
		if err != nil {
			return fmt.Errorf("encode answer: %w", err)
		}
		var (
			aiScore    sql.NullFloat64
			aiFeedback string
			aiModel    string
			gradedAt   sql.NullTime
		)
		if a.AiGrade != nil {
			aiScore = sql.NullFloat64{Float64: a.AiGrade.Score, Valid: true}
			aiFeedback = a.AiGrade.Feedback
			aiModel = a.AiGrade.Model
			gradedAt = sql.NullTime{Time: a.AiGrade.GradedAt, Valid: true}
		}
		_, err = tx.Exec(
			`INSERT INTO answers (exam_id, question_id, answer, ai_score, ai_feedback, ai_model, graded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			examID, a.QuestionID, string(answer), aiScore, aiFeedback, aiModel, gradedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PaperCount returns the number of stored papers.
func (s *Store) PaperCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exam_papers`).Scan(&count)
	return count, err
}
