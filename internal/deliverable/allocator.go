// Package deliverable turns a product's deliverable specs into the concrete
// deliverables of one order, drawing license keys from the product's pools.
package deliverable

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/alextreichler/tradepost/internal/store"
)

// Allocator serializes every change to a product's key pools behind a
// lock scoped to that product. Different products never contend.
type Allocator struct {
	Products store.Products

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAllocator(products store.Products) *Allocator {
	return &Allocator{Products: products, locks: make(map[string]*sync.Mutex)}
}

func (a *Allocator) lockFor(productID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[productID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[productID] = l
	}
	return l
}

// Allocation is the result of one successful Allocate. Until the order it
// belongs to is stored, Rollback can return its keys to their pools.
type Allocation struct {
	ProductID    string
	Deliverables []models.Deliverable

	allocator *Allocator
	popped    map[int]string // spec index -> key taken from that pool
	once      sync.Once
}

// Allocate takes one key from the front of every license key pool of the
// product and passes the other specs through. Availability of all pools is
// checked before any pool changes, so a ResourceExhausted failure leaves
// the product untouched.
func (a *Allocator) Allocate(ctx context.Context, productID string) (*Allocation, error) {
	l := a.lockFor(productID)
	l.Lock()
	defer l.Unlock()

	product, err := a.Products.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	pools := make(map[int]*models.LicenseKeyPool)
	for i, spec := range product.Deliverables {
		if spec.Kind != models.DeliverableLicenseKeys {
			continue
		}
		pool, err := decodePool(spec)
		if err != nil {
			return nil, apperr.Internal(err, "corrupt license key pool")
		}
		if len(pool.Keys) == 0 {
			slog.Warn("License key pool exhausted", "product_id", productID, "deliverable", i)
			return nil, apperr.ResourceExhausted("license keys for this product are sold out")
		}
		pools[i] = pool
	}

	alloc := &Allocation{
		ProductID:    productID,
		Deliverables: make([]models.Deliverable, 0, len(product.Deliverables)),
		allocator:    a,
		popped:       make(map[int]string),
	}
	specs := product.Deliverables
	for i, spec := range specs {
		pool, ok := pools[i]
		if !ok {
			alloc.Deliverables = append(alloc.Deliverables, models.Deliverable{Kind: spec.Kind, Details: spec.Details})
			continue
		}
		key := pool.Keys[0]
		pool.Keys = pool.Keys[1:]
		if specs[i].Details, err = json.Marshal(pool); err != nil {
			return nil, apperr.Internal(err, "failed to encode license key pool")
		}
		alloc.popped[i] = key
		alloc.Deliverables = append(alloc.Deliverables, models.Deliverable{Kind: models.DeliverableLicenseKey, Key: key})
	}

	if len(alloc.popped) > 0 {
		if err := a.Products.UpdateProductDeliverables(ctx, productID, specs); err != nil {
			return nil, err
		}
		slog.Debug("License keys allocated", "product_id", productID, "count", len(alloc.popped))
	}
	return alloc, nil
}

// Rollback puts the allocated keys back at the front of their pools. It is
// safe to call more than once; only the first call has an effect.
func (al *Allocation) Rollback(ctx context.Context) error {
	var err error
	al.once.Do(func() {
		if len(al.popped) == 0 {
			return
		}
		err = al.allocator.restore(ctx, al.ProductID, al.popped)
	})
	return err
}

func (a *Allocator) restore(ctx context.Context, productID string, popped map[int]string) error {
	l := a.lockFor(productID)
	l.Lock()
	defer l.Unlock()

	product, err := a.Products.GetProductByID(ctx, productID)
	if err != nil {
		return err
	}
	specs := product.Deliverables
	for i, key := range popped {
		if i >= len(specs) || specs[i].Kind != models.DeliverableLicenseKeys {
			continue
		}
		pool, err := decodePool(specs[i])
		if err != nil {
			return apperr.Internal(err, "corrupt license key pool")
		}
		pool.Keys = append([]string{key}, pool.Keys...)
		if specs[i].Details, err = json.Marshal(pool); err != nil {
			return apperr.Internal(err, "failed to encode license key pool")
		}
	}
	if err := a.Products.UpdateProductDeliverables(ctx, productID, specs); err != nil {
		return err
	}
	slog.Info("License keys returned to pool", "product_id", productID, "count", len(popped))
	return nil
}

func decodePool(spec models.DeliverableSpec) (*models.LicenseKeyPool, error) {
	var pool models.LicenseKeyPool
	if len(spec.Details) == 0 {
		return &pool, nil
	}
	if err := json.Unmarshal(spec.Details, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}
