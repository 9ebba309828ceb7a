// Package affiliate records referrals and computes affiliate commissions.
package affiliate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Commission is price * percent / 100 rounded half-up to cents.
func Commission(price models.Money, percent decimal.Decimal) models.Money {
	return models.NewMoney(price.Mul(percent).Div(hundred))
}

// Attribution is the outcome of resolving a referral code for a purchase.
// A zero Attribution means nobody is credited.
type Attribution struct {
	ReferrerID *string
	Commission models.Money
}

func (a Attribution) Credited() bool {
	return a.ReferrerID != nil
}

type Stats struct {
	ReferralCount int    `json:"referral_count"`
	TotalEarnings string `json:"total_earnings"`
}

type Ledger struct {
	Users     store.Users
	Referrals store.Referrals
	Orders    store.Orders
	Now       func() time.Time
}

func NewLedger(users store.Users, referrals store.Referrals, orders store.Orders) *Ledger {
	return &Ledger{Users: users, Referrals: referrals, Orders: orders, Now: time.Now}
}

// Quote resolves code for buyerID buying product without recording
// anything. Unknown codes and self-referrals credit nobody.
func (l *Ledger) Quote(ctx context.Context, buyerID, code string, product *models.Product) (Attribution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Attribution{}, nil
	}
	referrer, err := l.Users.GetUserByReferralCode(ctx, code)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return Attribution{}, nil
	}
	if err != nil {
		return Attribution{}, err
	}
	if referrer.ID == buyerID {
		slog.Info("Rejected self-referral", "user_id", buyerID)
		return Attribution{}, nil
	}
	id := referrer.ID
	return Attribution{
		ReferrerID: &id,
		Commission: Commission(product.Price, product.AffiliatePercent),
	}, nil
}

// Attribute quotes the purchase and records the referral pair.
func (l *Ledger) Attribute(ctx context.Context, buyerID, code string, product *models.Product) (Attribution, error) {
	a, err := l.Quote(ctx, buyerID, code, product)
	if err != nil || !a.Credited() {
		return a, err
	}
	if err := l.RecordReferral(ctx, *a.ReferrerID, buyerID, models.ReferralAtCheckout); err != nil {
		return Attribution{}, err
	}
	return a, nil
}

// RecordReferral stores the (referrer, referred) pair. Attribution is
// first-touch: a pair that already exists is left as it is, so the
// referral count means people referred, not purchases attributed.
func (l *Ledger) RecordReferral(ctx context.Context, referrerID, referredID string, source models.ReferralSource) error {
	if referrerID == referredID {
		return nil
	}
	r := &models.Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Source:     source,
		CreatedAt:  l.Now().UTC(),
	}
	err := l.Referrals.CreateReferral(ctx, r)
	if apperr.KindOf(err) == apperr.KindConflict {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("Referral recorded", "referrer_id", referrerID, "referred_id", referredID, "source", source)
	return nil
}

// Stats sums the commission of every order credited to userID.
func (l *Ledger) Stats(ctx context.Context, userID string) (Stats, error) {
	count, err := l.Referrals.CountReferralsByReferrer(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	orders, err := l.Orders.ListOrdersByReferrer(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.AffiliateCommission.Decimal)
	}
	return Stats{ReferralCount: count, TotalEarnings: total.StringFixed(2)}, nil
}
