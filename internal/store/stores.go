package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

const storeColumns = `id, owner_id, name, description, category, banner_image, created_at, updated_at`

// CreateStore relies on the UNIQUE owner_id column for the one-store-per-owner rule.
func (s *SQLStore) CreateStore(ctx context.Context, st *models.Store) error {
	query := `INSERT INTO stores (` + storeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, st.ID, st.OwnerID, st.Name, st.Description, st.Category, st.BannerImage,
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("user already has a store")
	}
	if err != nil {
		return apperr.Internal(err, "failed to create store")
	}
	return nil
}

func (s *SQLStore) GetStoreByID(ctx context.Context, id string) (*models.Store, error) {
	return s.getStore(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = ?`, id)
}

func (s *SQLStore) GetStoreByOwner(ctx context.Context, ownerID string) (*models.Store, error) {
	return s.getStore(ctx, `SELECT `+storeColumns+` FROM stores WHERE owner_id = ?`, ownerID)
}

func (s *SQLStore) UpdateStore(ctx context.Context, st *models.Store) error {
	query := `
		UPDATE stores
		SET name = ?, description = ?, category = ?, banner_image = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.DB.ExecContext(ctx, query, st.Name, st.Description, st.Category, st.BannerImage, formatTime(st.UpdatedAt), st.ID)
	if err != nil {
		return apperr.Internal(err, "failed to update store")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("store not found")
	}
	return nil
}

func (s *SQLStore) getStore(ctx context.Context, query string, arg any) (*models.Store, error) {
	var st models.Store
	var createdAt, updatedAt string
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(&st.ID, &st.OwnerID, &st.Name, &st.Description, &st.Category,
		&st.BannerImage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load store")
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, apperr.Internal(err, "failed to load store")
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, apperr.Internal(err, "failed to load store")
	}
	return &st, nil
}
