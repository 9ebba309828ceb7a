package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	query := `INSERT INTO sessions (token, user_id, created_at) VALUES (?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, sess.Token, sess.UserID, formatTime(sess.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("session token collision")
	}
	if err != nil {
		return apperr.Internal(err, "failed to create session")
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	var createdAt string
	query := `SELECT token, user_id, created_at FROM sessions WHERE token = ?`
	err := s.DB.QueryRowContext(ctx, query, token).Scan(&sess.Token, &sess.UserID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load session")
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, apperr.Internal(err, "failed to load session")
	}
	return &sess, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return apperr.Internal(err, "failed to delete session")
	}
	return nil
}
