package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

const orderColumns = `id, buyer_id, product_id, price, status, next_billing_at, ended_at, deliverables, affiliate_referrer_id, affiliate_commission, created_at`

func (s *SQLStore) CreateOrder(ctx context.Context, o *models.Order) error {
	deliverables, err := encodeDeliverables(o.Deliverables)
	if err != nil {
		return apperr.Internal(err, "failed to encode deliverables")
	}
	query := `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, query, o.ID, o.BuyerID, o.ProductID, o.Price, string(o.Status),
		formatNullTime(o.NextBillingAt), formatNullTime(o.EndedAt), deliverables,
		nullString(o.AffiliateReferrerID), o.AffiliateCommission, formatTime(o.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("order already exists")
	}
	if err != nil {
		return apperr.Internal(err, "failed to create order")
	}
	return nil
}

func (s *SQLStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load order")
	}
	return o, nil
}

// Lifecycle updates only apply to rows that are still active. A cancelled
// order is never written again.

func (s *SQLStore) CancelOrder(ctx context.Context, id string, endedAt time.Time) error {
	query := `
		UPDATE orders
		SET status = ?, next_billing_at = NULL, ended_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.DB.ExecContext(ctx, query, string(models.StatusCancelled), formatTime(endedAt),
		id, string(models.StatusActive))
	if err != nil {
		return apperr.Internal(err, "failed to cancel order")
	}
	if n, err := res.RowsAffected(); err != nil {
		return apperr.Internal(err, "failed to cancel order")
	} else if n == 0 {
		current, err := s.GetOrderByID(ctx, id)
		if err != nil {
			return err
		}
		return apperr.InvalidOperation("order is already %s", current.Status)
	}
	return nil
}

func (s *SQLStore) AdvanceBilling(ctx context.Context, id string, from, to time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET next_billing_at = ?
		WHERE id = ? AND status = ? AND next_billing_at = ?
	`
	res, err := s.DB.ExecContext(ctx, query, formatTime(to), id, string(models.StatusActive), formatTime(from))
	if err != nil {
		return false, apperr.Internal(err, "failed to advance billing date")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Internal(err, "failed to advance billing date")
	}
	return n == 1, nil
}

func (s *SQLStore) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]models.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE buyer_id = ? ORDER BY seq`, buyerID)
}

func (s *SQLStore) ListOrdersByReferrer(ctx context.Context, referrerID string) ([]models.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE affiliate_referrer_id = ? ORDER BY seq`, referrerID)
}

func (s *SQLStore) ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ? AND next_billing_at IS NOT NULL AND next_billing_at <= ?
		ORDER BY seq
	`
	return s.listOrders(ctx, query, string(models.StatusActive), formatTime(asOf))
}

func (s *SQLStore) listOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list orders")
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Internal(err, "failed to load order")
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to list orders")
	}
	return orders, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var status, deliverables, createdAt string
	var nextBilling, endedAt, referrer sql.NullString
	if err := row.Scan(&o.ID, &o.BuyerID, &o.ProductID, &o.Price, &status, &nextBilling, &endedAt, &deliverables,
		&referrer, &o.AffiliateCommission, &createdAt); err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	if referrer.Valid {
		id := referrer.String
		o.AffiliateReferrerID = &id
	}
	if err := json.Unmarshal([]byte(deliverables), &o.Deliverables); err != nil {
		return nil, err
	}
	var err error
	if o.NextBillingAt, err = parseNullTime(nextBilling); err != nil {
		return nil, err
	}
	if o.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func encodeDeliverables(ds []models.Deliverable) (string, error) {
	if ds == nil {
		ds = []models.Deliverable{}
	}
	b, err := json.Marshal(ds)
	return string(b), err
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
