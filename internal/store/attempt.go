package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examdesk/internal/model"
)

// SaveSession upserts the durable record of an attempt.
func (s *Store) SaveSession(snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", snap.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, exam_id, user_id, mode, status, state, started_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, state = excluded.state,
		   updated_at = excluded.updated_at, completed_at = excluded.completed_at`,
		snap.ID, snap.ExamID, snap.UserID, snap.Mode, snap.Status, string(data),
		snap.StartedAt, snap.UpdatedAt, nullTime(snap.CompletedAt),
	)
	return err
}

// GetSession returns an attempt by ID, or nil.
func (s *Store) GetSession(id string) (*model.Snapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT state FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &snap, nil
}

// ListSessions returns attempts filtered by user and exam. Empty strings
// mean no filtering on that field.
func (s *Store) ListSessions(userID, examID string) ([]model.Snapshot, error) {
	query := `SELECT state FROM sessions WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if examID != "" {
		query += ` AND exam_id = ?`
		args = append(args, examID)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveResponse records the submitted answer for one question.
func (s *Store) SaveResponse(sessionID string, r model.Response, at time.Time) error {
	var answer sql.NullString
	if r.Answer != nil {
		data, err := json.Marshal(r.Answer)
		if err != nil {
			return fmt.Errorf("marshal answer: %w", err)
		}
		answer = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO responses (session_id, question_id, answer, submitted_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, question_id) DO UPDATE SET answer = excluded.answer, submitted_at = excluded.submitted_at`,
		sessionID, r.QuestionID, answer, at,
	)
	return err
}

// ListResponses returns the submitted answers of an attempt.
func (s *Store) ListResponses(sessionID string) ([]model.Response, error) {
	rows, err := s.db.Query(
		`SELECT question_id, answer FROM responses WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Response
	for rows.Next() {
		r := model.Response{Submitted: true, Locked: true}
		var answer sql.NullString
		if err := rows.Scan(&r.QuestionID, &answer); err != nil {
			return nil, err
		}
		if answer.Valid {
			var a model.Answer
			if err := json.Unmarshal([]byte(answer.String), &a); err != nil {
				return nil, fmt.Errorf("unmarshal answer: %w", err)
			}
			r.Answer = &a
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveResult inserts a result. Results are immutable: saving an existing ID
// fails.
func (s *Store) SaveResult(r model.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO results (id, session_id, exam_id, user_id, mode, percentage, passed, completed_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ExamID, r.UserID, r.Mode, r.Percentage, r.Passed, r.CompletedAt, string(data),
	)
	return err
}

// GetResult returns a result by ID, or nil.
func (s *Store) GetResult(id string) (*model.Result, error) {
	var data string
	err := s.db.QueryRow(`SELECT record FROM results WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r model.Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", id, err)
	}
	return &r, nil
}

// ResultFilter narrows ListResults. Zero fields do not filter.
type ResultFilter struct {
	UserID string
	ExamID string
}

// ListResults returns results, newest first.
func (s *Store) ListResults(f ResultFilter) ([]model.Result, error) {
	query := `SELECT record FROM results WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ExamID != "" {
		query += ` AND exam_id = ?`
		args = append(args, f.ExamID)
	}
	query += ` ORDER BY completed_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Result
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r model.Result
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResult removes a result as a whole.
func (s *Store) DeleteResult(id string) error {
	_, err := s.db.Exec(`DELETE FROM results WHERE id = ?`, id)
	return err
}

// SaveSnapshot stores the autosave record for (user, exam), replacing any
// previous one.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (user_id, exam_id, state, saved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, exam_id) DO UPDATE SET state = excluded.state, saved_at = excluded.saved_at`,
		snap.UserID, snap.ExamID, string(data), snap.SavedAt,
	)
	return err
}

// LoadSnapshot returns the autosave record for (user, exam), or nil.
func (s *Store) LoadSnapshot(ctx context.Context, userID, examID string) (*model.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE user_id = ? AND exam_id = ?`, userID, examID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot removes the autosave record for (user, exam).
func (s *Store) ClearSnapshot(ctx context.Context, userID, examID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id = ? AND exam_id = ?`, userID, examID)
	return err
}
