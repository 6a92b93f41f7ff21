package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pavelanni/pms/internal/model"
)

const authSessionTTL = 24 * time.Hour

// CreateAuthSession creates a new auth session token for a staff user.
func (s *Store) CreateAuthSession(ctx context.Context, userID int64) (string, error) {
	return s.createAuthSession(ctx, userID, "")
}

// CreateStudentSession creates a new auth session token bound to a roster entry.
func (s *Store) CreateStudentSession(ctx context.Context, studentID string) (string, error) {
	return s.createAuthSession(ctx, 0, studentID)
}

func (s *Store) createAuthSession(ctx context.Context, userID int64, studentID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, student_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token, userID, studentID, now, now.Add(authSessionTTL),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetAuthSession returns the auth session for the given token. Expired tokens
// are removed and reported as ErrNotFound.
func (s *Store) GetAuthSession(ctx context.Context, token string) (model.AuthSession, error) {
	var sess model.AuthSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, student_id, created_at, expires_at FROM auth_sessions WHERE id = ?`, token,
	).Scan(&sess.ID, &sess.UserID, &sess.StudentID, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		return sess, notFound(err)
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.DeleteAuthSession(ctx, token)
		return model.AuthSession{}, model.ErrNotFound
	}
	return sess, nil
}

// DeleteAuthSession removes a session token.
func (s *Store) DeleteAuthSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, token)
	return err
}

// CleanupExpiredSessions removes all expired auth sessions.
func (s *Store) CleanupExpiredSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`, time.Now())
	return err
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
