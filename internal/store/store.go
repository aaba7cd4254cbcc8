// Package store persists survey result records in SQLite. Saves replace
// the whole record for a survey id (last writer wins); reads are strongly
// consistent per key.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/avolkov/voxsurvey/internal/model"

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
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS survey_results (
		survey_id TEXT PRIMARY KEY,
		saved_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS responses (
		survey_id TEXT NOT NULL,
		question_idx INTEGER NOT NULL,
		response TEXT NOT NULL,
		PRIMARY KEY (survey_id, question_idx)
	);

	CREATE TABLE IF NOT EXISTS followups (
		survey_id TEXT NOT NULL,
		question_idx INTEGER NOT NULL,
		should_ask INTEGER NOT NULL DEFAULT 0,
		follow_up TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (survey_id, question_idx)
	);

	CREATE TABLE IF NOT EXISTS followup_responses (
		survey_id TEXT NOT NULL,
		question_idx INTEGER NOT NULL,
		response TEXT NOT NULL,
		PRIMARY KEY (survey_id, question_idx)
	);

	CREATE TABLE IF NOT EXISTS survey_metadata (
		survey_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (survey_id, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveResult stores a record, replacing any previous record for the same
// survey id in one transaction.
func (s *Store) SaveResult(rec model.SurveyResultRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"responses", "followups", "followup_responses"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE survey_id = ?`, rec.SurveyID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for idx, text := range rec.Responses {
		if _, err := tx.Exec(
			`INSERT INTO responses (survey_id, question_idx, response) VALUES (?, ?, ?)`,
			rec.SurveyID, idx, text,
		); err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
	}
	for idx, fu := range rec.FollowUps {
		if _, err := tx.Exec(
			`INSERT INTO followups (survey_id, question_idx, should_ask, follow_up, rationale) VALUES (?, ?, ?, ?, ?)`,
			rec.SurveyID, idx, fu.ShouldAsk, fu.Question, fu.Rationale,
		); err != nil {
			return fmt.Errorf("insert followup: %w", err)
		}
	}
	for idx, text := range rec.FollowUpResponses {
		if _, err := tx.Exec(
			`INSERT INTO followup_responses (survey_id, question_idx, response) VALUES (?, ?, ?)`,
			rec.SurveyID, idx, text,
		); err != nil {
			return fmt.Errorf("insert followup response: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO survey_results (survey_id, saved_at) VALUES (?, ?)
		 ON CONFLICT(survey_id) DO UPDATE SET saved_at = ?`,
		rec.SurveyID, time.Now(), time.Now(),
	); err != nil {
		return fmt.Errorf("upsert result row: %w", err)
	}

	return tx.Commit()
}

// LoadResult returns the stored record for a survey id, or nil when no
// record exists.
func (s *Store) LoadResult(surveyID string) (*model.SurveyResultRecord, error) {
	var savedAt time.Time
	err := s.db.QueryRow(
		`SELECT saved_at FROM survey_results WHERE survey_id = ?`, surveyID,
	).Scan(&savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := model.SurveyResultRecord{
		SurveyID:          surveyID,
		Responses:         make(map[int]string),
		FollowUps:         make(map[int]model.RecordFollowUp),
		FollowUpResponses: make(map[int]string),
	}

	rows, err := s.db.Query(`SELECT question_idx, response FROM responses WHERE survey_id = ?`, surveyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		var text string
		if err := rows.Scan(&idx, &text); err != nil {
			return nil, err
		}
		rec.Responses[idx] = text
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fuRows, err := s.db.Query(
		`SELECT question_idx, should_ask, follow_up, rationale FROM followups WHERE survey_id = ?`, surveyID,
	)
	if err != nil {
		return nil, err
	}
	defer fuRows.Close()
	for fuRows.Next() {
		var idx int
		var fu model.RecordFollowUp
		if err := fuRows.Scan(&idx, &fu.ShouldAsk, &fu.Question, &fu.Rationale); err != nil {
			return nil, err
		}
		rec.FollowUps[idx] = fu
	}
	if err := fuRows.Err(); err != nil {
		return nil, err
	}

	frRows, err := s.db.Query(`SELECT question_idx, response FROM followup_responses WHERE survey_id = ?`, surveyID)
	if err != nil {
		return nil, err
	}
	defer frRows.Close()
	for frRows.Next() {
		var idx int
		var text string
		if err := frRows.Scan(&idx, &text); err != nil {
			return nil, err
		}
		rec.FollowUpResponses[idx] = text
	}
	if err := frRows.Err(); err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListSurveyIDs returns the ids of all stored records, oldest first.
func (s *Store) ListSurveyIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT survey_id FROM survey_results ORDER BY saved_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetMetadata upserts a key-value pair scoped to a survey id.
func (s *Store) SetMetadata(surveyID, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO survey_metadata (survey_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(survey_id, key) DO UPDATE SET value = ?`,
		surveyID, key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key, or empty string when
// the key is missing.
func (s *Store) GetMetadata(surveyID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM survey_metadata WHERE survey_id = ? AND key = ?`, surveyID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
