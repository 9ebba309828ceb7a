package store

import (
	"context"
	"time"

	"github.com/alextreichler/tradepost/internal/models"
)

// Lookups return an apperr NotFound error when the record is absent.
// Inserts that guard a uniqueness invariant return apperr Conflict and
// perform the check and the insert as one atomic step.

type Users interface {
	// CreateUser fails with Conflict when the email or referral code is taken.
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*models.User, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	// DeleteSession is a no-op for unknown tokens.
	DeleteSession(ctx context.Context, token string) error
}

type Stores interface {
	// CreateStore fails with Conflict when the owner already has a store.
	CreateStore(ctx context.Context, st *models.Store) error
	GetStoreByID(ctx context.Context, id string) (*models.Store, error)
	GetStoreByOwner(ctx context.Context, ownerID string) (*models.Store, error)
	UpdateStore(ctx context.Context, st *models.Store) error
}

type Products interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	// UpdateProductDeliverables replaces the deliverable specs, which is how
	// license key pools shrink and grow.
	UpdateProductDeliverables(ctx context.Context, id string, specs []models.DeliverableSpec) error
}

type Orders interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	// CancelOrder moves an active order to cancelled. It fails with
	// InvalidOperation when the order is no longer active.
	CancelOrder(ctx context.Context, id string, endedAt time.Time) error
	// AdvanceBilling moves the next billing time of an active order from
	// one date to the next. It reports false when the order was cancelled
	// or advanced by someone else since it was read.
	AdvanceBilling(ctx context.Context, id string, from, to time.Time) (bool, error)
	// ListOrdersByBuyer returns orders in insertion order.
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]models.Order, error)
	ListOrdersByReferrer(ctx context.Context, referrerID string) ([]models.Order, error)
	// ListDueSubscriptions returns active orders whose next billing time is
	// at or before asOf.
	ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]models.Order, error)
}

type Referrals interface {
	// CreateReferral fails with Conflict when the (referrer, referred) pair
	// already exists.
	CreateReferral(ctx context.Context, r *models.Referral) error
	CountReferralsByReferrer(ctx context.Context, referrerID string) (int, error)
}

// Repository is the full persistence surface used by the core.
type Repository interface {
	Users
	Sessions
	Stores
	Products
	Orders
	Referrals
	Close() error
}
