package store

import (
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/examdesk/internal/model"
)

// CreateUser inserts a new profile and returns it with its ID set.
func (s *Store) CreateUser(name string, role model.UserRole) (*model.User, error) {
	u := model.User{ID: uuid.NewString(), Name: name, Role: role, CreatedAt: s.now()}
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, u.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to create user", "name", name, "error", err)
		return nil, err
	}
	slog.Info("created user", "id", u.ID, "name", u.Name, "role", u.Role)
	return &u, nil
}

// GetUserByName returns a user by name.
func (s *Store) GetUserByName(name string) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, name, role, created_at FROM users WHERE name = ?`, name,
	))
}

// GetUserByID returns a user by ID.
func (s *Store) GetUserByID(id string) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, name, role, created_at FROM users WHERE id = ?`, id,
	))
}

func (s *Store) scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT id, name, role, created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user along with their profile tokens and
// assignments. Results are kept.
func (s *Store) DeleteUser(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM profile_sessions WHERE user_id = ?`,
		`DELETE FROM assignments WHERE user_id = ?`,
		`DELETE FROM snapshots WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
