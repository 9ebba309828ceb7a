// Package orders runs checkout and cancellation and keeps subscription
// billing dates moving.
package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/alextreichler/tradepost/internal/affiliate"
	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/deliverable"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/google/uuid"
)

type Allocator interface {
	Allocate(ctx context.Context, productID string) (*deliverable.Allocation, error)
}

type Attributor interface {
	Quote(ctx context.Context, buyerID, code string, product *models.Product) (affiliate.Attribution, error)
	RecordReferral(ctx context.Context, referrerID, referredID string, source models.ReferralSource) error
}

type Service struct {
	Orders    store.Orders
	Products  store.Products
	Allocator Allocator
	Ledger    Attributor
	Now       func() time.Time
}

func NewService(orders store.Orders, products store.Products, allocator Allocator, ledger Attributor) *Service {
	return &Service{
		Orders:    orders,
		Products:  products,
		Allocator: allocator,
		Ledger:    ledger,
		Now:       time.Now,
	}
}

// Checkout buys productID for the caller. Payment always succeeds. Every
// precondition is checked before the order is written; if anything fails
// after keys were taken from a pool, the keys go back.
func (s *Service) Checkout(ctx context.Context, p identity.Principal, productID, referralCode string) (*models.Order, error) {
	if p.User == nil {
		return nil, apperr.Unauthenticated("authentication required")
	}
	buyerID := p.UserID()

	product, err := s.Products.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	alloc, err := s.Allocator.Allocate(ctx, product.ID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := alloc.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.Error("Failed to return license keys after aborted checkout",
				"product_id", product.ID, "buyer_id", buyerID, "error", rbErr)
		}
	}()

	attribution, err := s.Ledger.Quote(ctx, buyerID, referralCode, product)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	order := &models.Order{
		ID:                  uuid.NewString(),
		BuyerID:             buyerID,
		ProductID:           product.ID,
		Price:               product.Price,
		Status:              models.StatusActive,
		NextBillingAt:       FirstBillingAt(product, now),
		Deliverables:        alloc.Deliverables,
		AffiliateReferrerID: attribution.ReferrerID,
		AffiliateCommission: attribution.Commission,
		CreatedAt:           now,
	}
	if err := s.Orders.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	committed = true

	if attribution.Credited() {
		// The order stands even if the referral pair cannot be written; the
		// commission is already on the order.
		if err := s.Ledger.RecordReferral(ctx, *attribution.ReferrerID, buyerID, models.ReferralAtCheckout); err != nil {
			slog.Warn("Failed to record checkout referral", "order_id", order.ID, "error", err)
		}
	}

	slog.Info("Order created",
		"order_id", order.ID,
		"product_id", product.ID,
		"buyer_id", buyerID,
		"kind", product.Kind,
		"price", order.Price.String(),
		"commission", order.AffiliateCommission.String(),
		"request_id", p.RequestID,
	)
	return order, nil
}

// Cancel ends a subscription. Orders the caller did not buy look missing.
func (s *Service) Cancel(ctx context.Context, p identity.Principal, orderID string) (*models.Order, error) {
	if p.User == nil {
		return nil, apperr.Unauthenticated("authentication required")
	}

	order, err := s.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != p.UserID() {
		return nil, apperr.NotFound("order not found")
	}
	product, err := s.Products.GetProductByID(ctx, order.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.IsSubscription() {
		return nil, apperr.InvalidOperation("only subscriptions can be cancelled")
	}
	if order.Status.Terminal() {
		return nil, apperr.InvalidOperation("order is already %s", order.Status)
	}

	now := s.Now().UTC()
	if err := s.Orders.CancelOrder(ctx, order.ID, now); err != nil {
		return nil, err
	}
	order.Status = models.StatusCancelled
	order.EndedAt = &now
	order.NextBillingAt = nil
	slog.Info("Order cancelled", "order_id", order.ID, "buyer_id", order.BuyerID, "request_id", p.RequestID)
	return order, nil
}

// ListForUser returns the caller's orders in the order they were placed,
// each joined with its product.
func (s *Service) ListForUser(ctx context.Context, p identity.Principal) ([]models.OrderView, error) {
	if p.User == nil {
		return nil, apperr.Unauthenticated("authentication required")
	}
	orders, err := s.Orders.ListOrdersByBuyer(ctx, p.UserID())
	if err != nil {
		return nil, err
	}

	products := make(map[string]*models.Product)
	views := make([]models.OrderView, 0, len(orders))
	for _, o := range orders {
		product, ok := products[o.ProductID]
		if !ok {
			found, err := s.Products.GetProductByID(ctx, o.ProductID)
			switch {
			case err == nil:
				product = found.Redacted()
			case apperr.KindOf(err) != apperr.KindNotFound:
				return nil, err
			}
			products[o.ProductID] = product
		}
		views = append(views, models.OrderView{Order: o, Product: product})
	}
	return views, nil
}

// RenewDue settles every active subscription whose billing date has come
// and moves it to the next date. Settlement is simulated and always
// succeeds at the price locked in at checkout. Orders cancelled or renewed
// elsewhere after the listing are skipped.
func (s *Service) RenewDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.Orders.ListDueSubscriptions(ctx, now)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for i := range due {
		o := &due[i]
		product, err := s.Products.GetProductByID(ctx, o.ProductID)
		if err != nil {
			slog.Error("Skipping renewal, product unavailable", "order_id", o.ID, "error", err)
			continue
		}
		if !product.IsSubscription() {
			continue
		}
		next := nextBillingAfter(product, o.CreatedAt, *o.NextBillingAt, now)
		advanced, err := s.Orders.AdvanceBilling(ctx, o.ID, *o.NextBillingAt, next)
		if err != nil {
			return renewed, err
		}
		if !advanced {
			slog.Info("Skipping renewal, order changed since it was listed", "order_id", o.ID)
			continue
		}
		renewed++
		slog.Info("Subscription renewed", "order_id", o.ID, "charged", o.Price.String(), "next_billing_at", next)
	}
	return renewed, nil
}
