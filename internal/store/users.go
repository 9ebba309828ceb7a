package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

const userColumns = `id, email, credential, name, is_seller, referral_code, created_at`

func (s *SQLStore) CreateUser(ctx context.Context, u *models.User) error {
	query := `INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, u.ID, u.Email, u.Credential, u.Name, u.IsSeller, u.ReferralCode, formatTime(u.CreatedAt))
	if isUniqueViolation(err) {
		if existing, lookupErr := s.GetUserByEmail(ctx, u.Email); lookupErr == nil && existing != nil {
			return apperr.Conflict("email already registered")
		}
		return apperr.Conflict("referral code already in use")
	}
	if err != nil {
		return apperr.Internal(err, "failed to create user")
	}
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (s *SQLStore) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code)
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var u models.User
	var createdAt string
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Credential, &u.Name, &u.IsSeller, &u.ReferralCode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load user")
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, apperr.Internal(err, "failed to load user")
	}
	return &u, nil
}
