package store

import (
	"context"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

func (s *SQLStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	query := `INSERT INTO referrals (id, referrer_id, referred_id, source, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, r.ID, r.ReferrerID, r.ReferredID, string(r.Source), formatTime(r.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("referral already recorded")
	}
	if err != nil {
		return apperr.Internal(err, "failed to record referral")
	}
	return nil
}

func (s *SQLStore) CountReferralsByReferrer(ctx context.Context, referrerID string) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM referrals WHERE referrer_id = ?`, referrerID).Scan(&count)
	if err != nil {
		return 0, apperr.Internal(err, "failed to count referrals")
	}
	return count, nil
}
