package store

import "database/sql"

// Metadata keys the application uses.
const (
	MetaCurrentExam   = "current_exam_id"
	MetaGradingModel  = "last_grading_model"
	MetaSchemaVersion = "schema_version"
)

// schemaVersion is stamped into app_metadata on every open so future
// migrations can tell what layout an existing database carries.
const schemaVersion = "1"

// SetMetadata upserts a key-value pair in the app_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetCurrentExam records which paper the user is working on.
func (s *Store) SetCurrentExam(examID string) error {
	return s.SetMetadata(MetaCurrentExam, examID)
}

// CurrentExam returns the active paper ID, empty when none was set.
func (s *Store) CurrentExam() (string, error) {
	return s.GetMetadata(MetaCurrentExam)
}
