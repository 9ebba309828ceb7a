package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

const productColumns = `id, store_id, title, description, price, kind, billing_interval, trial_days, deliverables, affiliate_percent, created_at`

func (s *SQLStore) CreateProduct(ctx context.Context, p *models.Product) error {
	deliverables, err := json.Marshal(specsOrEmpty(p.Deliverables))
	if err != nil {
		return apperr.Internal(err, "failed to encode deliverables")
	}

	var interval sql.NullString
	if p.BillingInterval != nil {
		interval = sql.NullString{String: string(*p.BillingInterval), Valid: true}
	}
	var trial sql.NullInt64
	if p.TrialDays != nil {
		trial = sql.NullInt64{Int64: int64(*p.TrialDays), Valid: true}
	}

	query := `INSERT INTO products (` + productColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, query, p.ID, p.StoreID, p.Title, p.Description, p.Price, string(p.Kind),
		interval, trial, string(deliverables), p.AffiliatePercent.String(), formatTime(p.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return apperr.NotFound("store not found")
	}
	if err != nil {
		return apperr.Internal(err, "failed to create product")
	}
	return nil
}

func (s *SQLStore) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load product")
	}
	return p, nil
}

func (s *SQLStore) UpdateProductDeliverables(ctx context.Context, id string, specs []models.DeliverableSpec) error {
	deliverables, err := json.Marshal(specsOrEmpty(specs))
	if err != nil {
		return apperr.Internal(err, "failed to encode deliverables")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE products SET deliverables = ? WHERE id = ?`, string(deliverables), id)
	if err != nil {
		return apperr.Internal(err, "failed to update deliverables")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("product not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	var kind, deliverables, createdAt string
	var interval sql.NullString
	var trial sql.NullInt64
	if err := row.Scan(&p.ID, &p.StoreID, &p.Title, &p.Description, &p.Price, &kind, &interval, &trial,
		&deliverables, &p.AffiliatePercent, &createdAt); err != nil {
		return nil, err
	}
	p.Kind = models.ProductKind(kind)
	if interval.Valid {
		iv := models.BillingInterval(interval.String)
		p.BillingInterval = &iv
	}
	if trial.Valid {
		td := int(trial.Int64)
		p.TrialDays = &td
	}
	if err := json.Unmarshal([]byte(deliverables), &p.Deliverables); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func specsOrEmpty(specs []models.DeliverableSpec) []models.DeliverableSpec {
	if specs == nil {
		return []models.DeliverableSpec{}
	}
	return specs
}
