package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examdesk/internal/model"
)

// SaveExam inserts or replaces an exam definition.
func (s *Store) SaveExam(exam *model.Exam) error {
	data, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam %s: %w", exam.ID(), err)
	}
	now := s.now()
	_, err = s.db.Exec(
		`INSERT INTO exams (id, title, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, definition = excluded.definition, updated_at = excluded.updated_at`,
		exam.ID(), exam.Metadata.Title, string(data), now, now,
	)
	return err
}

// GetExam returns an exam by ID, or nil if it does not exist.
func (s *Store) GetExam(id string) (*model.Exam, error) {
	var data string
	err := s.db.QueryRow(`SELECT definition FROM exams WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var exam model.Exam
	if err := json.Unmarshal([]byte(data), &exam); err != nil {
		return nil, fmt.Errorf("unmarshal exam %s: %w", id, err)
	}
	return &exam, nil
}

// ListExams returns all exams ordered by title.
func (s *Store) ListExams() ([]model.Exam, error) {
	rows, err := s.db.Query(`SELECT definition FROM exams ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var exam model.Exam
		if err := json.Unmarshal([]byte(data), &exam); err != nil {
			return nil, fmt.Errorf("unmarshal exam: %w", err)
		}
		exams = append(exams, exam)
	}
	return exams, rows.Err()
}

// DeleteExam removes an exam, its assignments and any autosave snapshots.
// Results are kept.
func (s *Store) DeleteExam(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM assignments WHERE exam_id = ?`,
		`DELETE FROM snapshots WHERE exam_id = ?`,
		`DELETE FROM exams WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ExamCount returns the number of stored exams.
func (s *Store) ExamCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exams`).Scan(&count)
	return count, err
}

// CreateAssignment assigns an exam to a user. Assigning the same exam and
// mode twice returns the existing assignment.
func (s *Store) CreateAssignment(examID, userID string, mode model.Mode, dueAt *time.Time) (*model.Assignment, error) {
	a := model.Assignment{
		ID:        uuid.NewString(),
		ExamID:    examID,
		UserID:    userID,
		Mode:      mode,
		DueAt:     dueAt,
		CreatedAt: s.now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO assignments (id, exam_id, user_id, mode, due_at, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(exam_id, user_id, mode) DO UPDATE SET due_at = excluded.due_at`,
		a.ID, a.ExamID, a.UserID, a.Mode, nullTime(dueAt), a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	var existing model.Assignment
	var due sql.NullTime
	err = s.db.QueryRow(
		`SELECT id, exam_id, user_id, mode, due_at, created_at FROM assignments
		 WHERE exam_id = ? AND user_id = ? AND mode = ?`, examID, userID, mode,
	).Scan(&existing.ID, &existing.ExamID, &existing.UserID, &existing.Mode, &due, &existing.CreatedAt)
	if err != nil {
		return nil, err
	}
	if due.Valid {
		existing.DueAt = &due.Time
	}
	return &existing, nil
}

// ListAssignments returns assignments, optionally filtered by user.
func (s *Store) ListAssignments(userID string) ([]model.Assignment, error) {
	query := `SELECT id, exam_id, user_id, mode, due_at, created_at FROM assignments WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var due sql.NullTime
		if err := rows.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Mode, &due, &a.CreatedAt); err != nil {
			return nil, err
		}
		if due.Valid {
			a.DueAt = &due.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAssignment removes an assignment.
func (s *Store) DeleteAssignment(id string) error {
	_, err := s.db.Exec(`DELETE FROM assignments WHERE id = ?`, id)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
