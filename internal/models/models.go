package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type ProductKind string

const (
	KindOneTime      ProductKind = "one_time"
	KindSubscription ProductKind = "subscription"
)

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

type OrderStatus string

const (
	StatusActive    OrderStatus = "active"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired" // reserved for failed renewals
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

type DeliverableKind string

const (
	DeliverableFile        DeliverableKind = "file"
	DeliverableRole        DeliverableKind = "role"
	DeliverableInvite      DeliverableKind = "invite"
	DeliverableLicenseKeys DeliverableKind = "license_keys"
	DeliverableLicenseKey  DeliverableKind = "license_key" // allocated form of license_keys
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Credential   []byte    `json:"-"` // opaque, owned by the CredentialVerifier
	Name         string    `json:"name"`
	IsSeller     bool      `json:"is_seller"`
	ReferralCode string    `json:"referral_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserSummary is the public view of a User.
type UserSummary struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	IsSeller     bool   `json:"is_seller"`
	ReferralCode string `json:"referral_code"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		IsSeller:     u.IsSeller,
		ReferralCode: u.ReferralCode,
	}
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	BannerImage string    `json:"banner_image"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeliverableSpec describes what a buyer receives. Details is kept raw
// because its shape depends on Kind; for license_keys it decodes into
// LicenseKeyPool.
type DeliverableSpec struct {
	Kind    DeliverableKind `json:"kind"`
	Details json.RawMessage `json:"details,omitempty"`
}

type LicenseKeyPool struct {
	Keys []string `json:"keys"`
}

// Deliverable is what an order actually holds: a pass-through spec or a
// concrete license key.
type Deliverable struct {
	Kind    DeliverableKind `json:"kind"`
	Key     string          `json:"key,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

type Product struct {
	ID               string            `json:"id"`
	StoreID          string            `json:"store_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Price            Money             `json:"price"`
	Kind             ProductKind       `json:"kind"`
	BillingInterval  *BillingInterval  `json:"billing_interval"`
	TrialDays        *int              `json:"trial_days"`
	Deliverables     []DeliverableSpec `json:"deliverables"`
	AffiliatePercent decimal.Decimal   `json:"affiliate_percent"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (p *Product) IsSubscription() bool {
	return p.Kind == KindSubscription
}

// Redacted returns a copy safe to show to buyers: license key pools are
// replaced by the number of keys left.
func (p *Product) Redacted() *Product {
	c := *p
	c.Deliverables = make([]DeliverableSpec, len(p.Deliverables))
	for i, spec := range p.Deliverables {
		if spec.Kind != DeliverableLicenseKeys {
			c.Deliverables[i] = spec
			continue
		}
		var pool LicenseKeyPool
		_ = json.Unmarshal(spec.Details, &pool)
		details, _ := json.Marshal(map[string]int{"remaining": len(pool.Keys)})
		c.Deliverables[i] = DeliverableSpec{Kind: spec.Kind, Details: details}
	}
	return &c
}

type Order struct {
	ID                  string        `json:"id"`
	BuyerID             string        `json:"buyer_id"`
	ProductID           string        `json:"product_id"`
	Price               Money         `json:"price"` // locked in at checkout
	Status              OrderStatus   `json:"status"`
	NextBillingAt       *time.Time    `json:"next_billing_at"`
	EndedAt             *time.Time    `json:"ended_at"`
	Deliverables        []Deliverable `json:"deliverables"`
	AffiliateReferrerID *string       `json:"affiliate_referrer_id"`
	AffiliateCommission Money         `json:"affiliate_commission"`
	CreatedAt           time.Time     `json:"created_at"`
}

// OrderView is an order joined with its product for display.
type OrderView struct {
	Order
	Product *Product `json:"product,omitempty"`
}

type ReferralSource string

const (
	ReferralAtRegistration ReferralSource = "registration"
	ReferralAtCheckout     ReferralSource = "checkout"
)

type Referral struct {
	ID         string         `json:"id"`
	ReferrerID string         `json:"referrer_id"`
	ReferredID string         `json:"referred_id"`
	Source     ReferralSource `json:"source"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Money is a currency amount with 2-digit precision. It marshals as a
// fixed 2-decimal string ("10.00").
type Money struct {
	decimal.Decimal
}

// NewMoney rounds d half-up to cents.
func NewMoney(d decimal.Decimal) Money {
	return Money{d.Round(2)}
}

// MustMoney parses s; it panics on malformed input and is meant for
// constants and tests.
func MustMoney(s string) Money {
	return NewMoney(decimal.RequireFromString(s))
}

func (m Money) String() string {
	return m.StringFixed(2)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.StringFixed(2))
}
