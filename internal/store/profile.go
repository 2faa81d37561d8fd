package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const profileSessionTTL = 30 * 24 * time.Hour

// ProfileSession binds a browser cookie to a selected local profile.
type ProfileSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateProfileSession creates a new profile token for a user.
func (s *Store) CreateProfileSession(userID string) (string, error) {
	token := uuid.NewString()
	now := s.now()
	_, err := s.db.Exec(
		`INSERT INTO profile_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, now, now.Add(profileSessionTTL),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetProfileSession returns the session for the given token, or nil if not found/expired.
func (s *Store) GetProfileSession(token string) (*ProfileSession, error) {
	var sess ProfileSession
	err := s.db.QueryRow(
		`SELECT id, user_id, created_at, expires_at FROM profile_sessions WHERE id = ?`, token,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.now().After(sess.ExpiresAt) {
		_ = s.DeleteProfileSession(token)
		return nil, nil
	}
	return &sess, nil
}

// DeleteProfileSession removes a profile token.
func (s *Store) DeleteProfileSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM profile_sessions WHERE id = ?`, token)
	return err
}

// CleanupExpiredProfileSessions removes all expired profile tokens.
func (s *Store) CleanupExpiredProfileSessions() error {
	_, err := s.db.Exec(`DELETE FROM profile_sessions WHERE expires_at < ?`, s.now())
	return err
}
