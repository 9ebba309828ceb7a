package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
)

// MemoryStore keeps every collection in process. A single RWMutex guards
// the primary maps together with their secondary indexes so that
// uniqueness checks and inserts happen in one critical section.
type MemoryStore struct {
	mu sync.RWMutex

	users          map[string]*models.User
	usersByEmail   map[string]string
	usersByRefCode map[string]string

	sessions map[string]*models.Session

	stores        map[string]*models.Store
	storesByOwner map[string]string

	products map[string]*models.Product

	orders        map[string]*models.Order
	orderSeq      []string
	ordersByBuyer map[string][]string

	referralPairs       map[[2]string]*models.Referral
	referralsByReferrer map[string]int
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:               make(map[string]*models.User),
		usersByEmail:        make(map[string]string),
		usersByRefCode:      make(map[string]string),
		sessions:            make(map[string]*models.Session),
		stores:              make(map[string]*models.Store),
		storesByOwner:       make(map[string]string),
		products:            make(map[string]*models.Product),
		orders:              make(map[string]*models.Order),
		ordersByBuyer:       make(map[string][]string),
		referralPairs:       make(map[[2]string]*models.Referral),
		referralsByReferrer: make(map[string]int),
	}
}

func (m *MemoryStore) Close() error { return nil }

// Users

func (m *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByEmail[u.Email]; ok {
		return apperr.Conflict("email already registered")
	}
	if _, ok := m.usersByRefCode[u.ReferralCode]; ok {
		return apperr.Conflict("referral code already in use")
	}
	c := cloneUser(u)
	m.users[u.ID] = c
	m.usersByEmail[u.Email] = u.ID
	m.usersByRefCode[u.ReferralCode] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	id, ok := m.usersByEmail[email]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return m.GetUserByID(ctx, id)
}

func (m *MemoryStore) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	m.mu.RLock()
	id, ok := m.usersByRefCode[code]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return m.GetUserByID(ctx, id)
}

// Sessions

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; ok {
		return apperr.Conflict("session token collision")
	}
	c := *s
	m.sessions[s.Token] = &c
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, apperr.NotFound("session not found")
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// Stores

func (m *MemoryStore) CreateStore(_ context.Context, st *models.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storesByOwner[st.OwnerID]; ok {
		return apperr.Conflict("user already has a store")
	}
	c := *st
	m.stores[st.ID] = &c
	m.storesByOwner[st.OwnerID] = st.ID
	return nil
}

func (m *MemoryStore) GetStoreByID(_ context.Context, id string) (*models.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stores[id]
	if !ok {
		return nil, apperr.NotFound("store not found")
	}
	c := *st
	return &c, nil
}

func (m *MemoryStore) GetStoreByOwner(ctx context.Context, ownerID string) (*models.Store, error) {
	m.mu.RLock()
	id, ok := m.storesByOwner[ownerID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("store not found")
	}
	return m.GetStoreByID(ctx, id)
}

func (m *MemoryStore) UpdateStore(_ context.Context, st *models.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.stores[st.ID]
	if !ok {
		return apperr.NotFound("store not found")
	}
	c := *st
	c.OwnerID = cur.OwnerID // ownership never moves
	m.stores[st.ID] = &c
	return nil
}

// Products

func (m *MemoryStore) CreateProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[p.StoreID]; !ok {
		return apperr.NotFound("store not found")
	}
	m.products[p.ID] = cloneProduct(p)
	return nil
}

func (m *MemoryStore) GetProductByID(_ context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, apperr.NotFound("product not found")
	}
	return cloneProduct(p), nil
}

func (m *MemoryStore) UpdateProductDeliverables(_ context.Context, id string, specs []models.DeliverableSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return apperr.NotFound("product not found")
	}
	p.Deliverables = cloneSpecs(specs)
	return nil
}

// Orders

func (m *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return apperr.Conflict("order already exists")
	}
	m.orders[o.ID] = cloneOrder(o)
	m.orderSeq = append(m.orderSeq, o.ID)
	m.ordersByBuyer[o.BuyerID] = append(m.ordersByBuyer[o.BuyerID], o.ID)
	return nil
}

func (m *MemoryStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order not found")
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) CancelOrder(_ context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return apperr.NotFound("order not found")
	}
	if o.Status != models.StatusActive {
		return apperr.InvalidOperation("order is already %s", o.Status)
	}
	ended := endedAt
	o.Status = models.StatusCancelled
	o.EndedAt = &ended
	o.NextBillingAt = nil
	return nil
}

func (m *MemoryStore) AdvanceBilling(_ context.Context, id string, from, to time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.StatusActive || o.NextBillingAt == nil || !o.NextBillingAt.Equal(from) {
		return false, nil
	}
	next := to
	o.NextBillingAt = &next
	return true, nil
}

func (m *MemoryStore) ListOrdersByBuyer(_ context.Context, buyerID string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.ordersByBuyer[buyerID]
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneOrder(m.orders[id]))
	}
	return out, nil
}

func (m *MemoryStore) ListOrdersByReferrer(_ context.Context, referrerID string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, id := range m.orderSeq {
		o := m.orders[id]
		if o.AffiliateReferrerID != nil && *o.AffiliateReferrerID == referrerID {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDueSubscriptions(_ context.Context, asOf time.Time) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, id := range m.orderSeq {
		o := m.orders[id]
		if o.Status == models.StatusActive && o.NextBillingAt != nil && !o.NextBillingAt.After(asOf) {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, nil
}

// Referrals

func (m *MemoryStore) CreateReferral(_ context.Context, r *models.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{r.ReferrerID, r.ReferredID}
	if _, ok := m.referralPairs[key]; ok {
		return apperr.Conflict("referral already recorded")
	}
	c := *r
	m.referralPairs[key] = &c
	m.referralsByReferrer[r.ReferrerID]++
	return nil
}

func (m *MemoryStore) CountReferralsByReferrer(_ context.Context, referrerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.referralsByReferrer[referrerID], nil
}

// Copies keep callers from mutating stored records, in particular the
// license key slices that only the allocator may change.

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Credential = append([]byte(nil), u.Credential...)
	return &c
}

func cloneSpecs(specs []models.DeliverableSpec) []models.DeliverableSpec {
	if specs == nil {
		return nil
	}
	out := make([]models.DeliverableSpec, len(specs))
	for i, s := range specs {
		out[i] = models.DeliverableSpec{Kind: s.Kind, Details: append(json.RawMessage(nil), s.Details...)}
	}
	return out
}

func cloneProduct(p *models.Product) *models.Product {
	c := *p
	c.Deliverables = cloneSpecs(p.Deliverables)
	if p.BillingInterval != nil {
		iv := *p.BillingInterval
		c.BillingInterval = &iv
	}
	if p.TrialDays != nil {
		td := *p.TrialDays
		c.TrialDays = &td
	}
	return &c
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	if o.Deliverables != nil {
		c.Deliverables = make([]models.Deliverable, len(o.Deliverables))
		for i, d := range o.Deliverables {
			c.Deliverables[i] = models.Deliverable{Kind: d.Kind, Key: d.Key, Details: append(json.RawMessage(nil), d.Details...)}
		}
	}
	c.NextBillingAt = cloneTime(o.NextBillingAt)
	c.EndedAt = cloneTime(o.EndedAt)
	if o.AffiliateReferrerID != nil {
		id := *o.AffiliateReferrerID
		c.AffiliateReferrerID = &id
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
