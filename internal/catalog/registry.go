// Package catalog owns stores and products and the rules about who may
// change them.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultAffiliatePercent applies when a product does not set its own.
var DefaultAffiliatePercent = decimal.NewFromInt(5)

type StoreInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	BannerImage string `json:"banner_image"`
}

// ProductInput uses pointers where "absent" differs from the zero value.
type ProductInput struct {
	Title            string                   `json:"title"`
	Description      string                   `json:"description"`
	Price            *decimal.Decimal         `json:"price"`
	Kind             string                   `json:"kind"`
	BillingInterval  *string                  `json:"billing_interval"`
	TrialDays        *int                     `json:"trial_days"`
	Deliverables     []models.DeliverableSpec `json:"deliverables"`
	AffiliatePercent *decimal.Decimal         `json:"affiliate_percent"`
}

type Registry struct {
	Stores   store.Stores
	Products store.Products
	Now      func() time.Time

	// UploadDir is where banner images are written; BannerURLPrefix is the
	// public path they are served under.
	UploadDir       string
	BannerURLPrefix string
}

func NewRegistry(stores store.Stores, products store.Products, uploadDir string) *Registry {
	return &Registry{
		Stores:          stores,
		Products:        products,
		Now:             time.Now,
		UploadDir:       uploadDir,
		BannerURLPrefix: "/static/uploads/",
	}
}

func requireUser(p identity.Principal) error {
	if p.User == nil {
		return apperr.Unauthenticated("authentication required")
	}
	return nil
}

// CreateStore opens the caller's store. Each user owns at most one.
func (r *Registry) CreateStore(ctx context.Context, p identity.Principal, in StoreInput) (*models.Store, error) {
	if err := requireUser(p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	category := strings.TrimSpace(in.Category)
	if name == "" || category == "" {
		return nil, apperr.InvalidArgument("name and category are required")
	}

	now := r.Now().UTC()
	st := &models.Store{
		ID:          uuid.NewString(),
		OwnerID:     p.UserID(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Category:    category,
		BannerImage: strings.TrimSpace(in.BannerImage),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.Stores.CreateStore(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("Store created", "store_id", st.ID, "owner_id", st.OwnerID, "request_id", p.RequestID)
	return st, nil
}

// UpdateStore applies the non-empty fields of in.
func (r *Registry) UpdateStore(ctx context.Context, p identity.Principal, storeID string, in StoreInput) (*models.Store, error) {
	st, err := r.ownedStore(ctx, p, storeID)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(in.Name); v != "" {
		st.Name = v
	}
	if v := strings.TrimSpace(in.Description); v != "" {
		st.Description = v
	}
	if v := strings.TrimSpace(in.Category); v != "" {
		st.Category = v
	}
	if v := strings.TrimSpace(in.BannerImage); v != "" {
		st.BannerImage = v
	}
	st.UpdatedAt = r.Now().UTC()
	if err := r.Stores.UpdateStore(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *Registry) ownedStore(ctx context.Context, p identity.Principal, storeID string) (*models.Store, error) {
	if err := requireUser(p); err != nil {
		return nil, err
	}
	st, err := r.Stores.GetStoreByID(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if st.OwnerID != p.UserID() {
		return nil, apperr.Forbidden("you do not own this store")
	}
	return st, nil
}

func (r *Registry) GetStoreByOwner(ctx context.Context, ownerID string) (*models.Store, error) {
	return r.Stores.GetStoreByOwner(ctx, ownerID)
}

func (r *Registry) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return r.Products.GetProductByID(ctx, id)
}

// CreateProduct adds a product to a store owned by the caller. Billing
// interval and trial days only survive on subscriptions.
func (r *Registry) CreateProduct(ctx context.Context, p identity.Principal, storeID string, in ProductInput) (*models.Product, error) {
	if _, err := r.ownedStore(ctx, p, storeID); err != nil {
		return nil, err
	}

	product, err := buildProduct(in)
	if err != nil {
		return nil, err
	}
	product.ID = uuid.NewString()
	product.StoreID = storeID
	product.CreatedAt = r.Now().UTC()

	if err := r.Products.CreateProduct(ctx, product); err != nil {
		return nil, err
	}
	slog.Info("Product created", "product_id", product.ID, "store_id", storeID, "kind", product.Kind, "request_id", p.RequestID)
	return product, nil
}

func buildProduct(in ProductInput) (*models.Product, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || in.Price == nil || in.Kind == "" {
		return nil, apperr.InvalidArgument("title, price and kind are required")
	}
	if in.Price.IsNegative() {
		return nil, apperr.InvalidArgument("price must not be negative")
	}

	product := &models.Product{
		Title:            title,
		Description:      strings.TrimSpace(in.Description),
		Price:            models.NewMoney(*in.Price),
		AffiliatePercent: DefaultAffiliatePercent,
	}

	switch models.ProductKind(in.Kind) {
	case models.KindOneTime:
		product.Kind = models.KindOneTime
	case models.KindSubscription:
		product.Kind = models.KindSubscription
		interval := models.IntervalMonthly
		if in.BillingInterval != nil && *in.BillingInterval != "" {
			interval = models.BillingInterval(*in.BillingInterval)
			if interval != models.IntervalMonthly && interval != models.IntervalYearly {
				return nil, apperr.InvalidArgument("billing interval must be monthly or yearly")
			}
		}
		product.BillingInterval = &interval
		if in.TrialDays != nil {
			if *in.TrialDays < 0 {
				return nil, apperr.InvalidArgument("trial days must not be negative")
			}
			td := *in.TrialDays
			product.TrialDays = &td
		}
	default:
		return nil, apperr.InvalidArgument("kind must be one_time or subscription")
	}

	if in.AffiliatePercent != nil {
		pct := *in.AffiliatePercent
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return nil, apperr.InvalidArgument("affiliate percent must be between 0 and 100")
		}
		product.AffiliatePercent = pct
	}

	specs, err := normalizeDeliverables(in.Deliverables)
	if err != nil {
		return nil, err
	}
	product.Deliverables = specs
	return product, nil
}

// normalizeDeliverables checks every spec and rewrites license key pools
// in canonical form. A key may appear only once across all pools of a
// product, otherwise it could be issued to two orders.
func normalizeDeliverables(in []models.DeliverableSpec) ([]models.DeliverableSpec, error) {
	out := make([]models.DeliverableSpec, 0, len(in))
	seen := make(map[string]bool)
	for i, spec := range in {
		switch spec.Kind {
		case models.DeliverableFile, models.DeliverableRole, models.DeliverableInvite:
			out = append(out, spec)
		case models.DeliverableLicenseKeys:
			var pool models.LicenseKeyPool
			if len(spec.Details) > 0 {
				if err := json.Unmarshal(spec.Details, &pool); err != nil {
					return nil, apperr.InvalidArgument("deliverable %d: license key details must be {\"keys\": [...]}", i)
				}
			}
			keys := make([]string, 0, len(pool.Keys))
			for _, k := range pool.Keys {
				k = strings.TrimSpace(k)
				if k == "" {
					return nil, apperr.InvalidArgument("deliverable %d: empty license key", i)
				}
				if seen[k] {
					return nil, apperr.InvalidArgument("deliverable %d: duplicate license key %q", i, k)
				}
				seen[k] = true
				keys = append(keys, k)
			}
			details, err := json.Marshal(models.LicenseKeyPool{Keys: keys})
			if err != nil {
				return nil, apperr.Internal(err, "failed to encode license keys")
			}
			out = append(out, models.DeliverableSpec{Kind: models.DeliverableLicenseKeys, Details: details})
		default:
			return nil, apperr.InvalidArgument("deliverable %d: unknown kind %q", i, spec.Kind)
		}
	}
	return out, nil
}
