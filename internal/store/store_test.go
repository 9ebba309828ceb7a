package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestSQLStore opens a fresh SQLite database under t.TempDir().
func createTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open sqlite store")
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachRepository runs fn against every Repository implementation.
func forEachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, createTestSQLStore(t))
	})
}

var testNow = time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)

func newUser(email, code string) *models.User {
	return &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		Credential:   []byte("opaque"),
		Name:         "Test User",
		ReferralCode: code,
		CreatedAt:    testNow,
	}
}

func seedStoreAndProduct(t *testing.T, repo Repository, ownerID string, keys ...string) *models.Product {
	t.Helper()
	ctx := context.Background()
	st := &models.Store{ID: uuid.NewString(), OwnerID: ownerID, Name: "Shop", Category: "software", CreatedAt: testNow, UpdatedAt: testNow}
	require.NoError(t, repo.CreateStore(ctx, st))

	details, err := json.Marshal(models.LicenseKeyPool{Keys: keys})
	require.NoError(t, err)
	monthly := models.IntervalMonthly
	p := &models.Product{
		ID:               uuid.NewString(),
		StoreID:          st.ID,
		Title:            "Pro plan",
		Price:            models.MustMoney("19.99"),
		Kind:             models.KindSubscription,
		BillingInterval:  &monthly,
		Deliverables:     []models.DeliverableSpec{{Kind: models.DeliverableLicenseKeys, Details: details}},
		AffiliatePercent: decimal.NewFromInt(10),
		CreatedAt:        testNow,
	}
	require.NoError(t, repo.CreateProduct(ctx, p))
	return p
}

func TestUsers_UniqueEmailAndReferralCode(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		u := newUser("a@example.com", "AAAA2222")
		require.NoError(t, repo.CreateUser(ctx, u))

		err := repo.CreateUser(ctx, newUser("a@example.com", "BBBB3333"))
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "duplicate email must conflict")

		err = repo.CreateUser(ctx, newUser("b@example.com", "AAAA2222"))
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "duplicate referral code must conflict")

		got, err := repo.GetUserByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, []byte("opaque"), got.Credential)

		got, err = repo.GetUserByReferralCode(ctx, "AAAA2222")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)

		_, err = repo.GetUserByID(ctx, "missing")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestUsers_ConcurrentSameEmail(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.CreateUser(ctx, newUser("race@example.com", uuid.NewString()[:8]))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
		}
		assert.Equal(t, 1, succeeded, "exactly one registration may win")
	})
}

func TestSessions_Lifecycle(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		u := newUser("s@example.com", "SESS2222")
		require.NoError(t, repo.CreateUser(ctx, u))

		require.NoError(t, repo.CreateSession(ctx, &models.Session{Token: "tok", UserID: u.ID, CreatedAt: testNow}))
		sess, err := repo.GetSession(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, u.ID, sess.UserID)
		assert.True(t, testNow.Equal(sess.CreatedAt))

		require.NoError(t, repo.DeleteSession(ctx, "tok"))
		require.NoError(t, repo.DeleteSession(ctx, "tok"), "deleting twice is not an error")
		_, err = repo.GetSession(ctx, "tok")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestStores_OneStorePerOwner(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		u := newUser("owner@example.com", "OWNR2222")
		require.NoError(t, repo.CreateUser(ctx, u))

		st := &models.Store{ID: uuid.NewString(), OwnerID: u.ID, Name: "First", Category: "art", CreatedAt: testNow, UpdatedAt: testNow}
		require.NoError(t, repo.CreateStore(ctx, st))

		err := repo.CreateStore(ctx, &models.Store{ID: uuid.NewString(), OwnerID: u.ID, Name: "Second", Category: "art", CreatedAt: testNow, UpdatedAt: testNow})
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

		st.Name = "Renamed"
		require.NoError(t, repo.UpdateStore(ctx, st))
		got, err := repo.GetStoreByOwner(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, u.ID, got.OwnerID)

		err = repo.UpdateStore(ctx, &models.Store{ID: "missing", Name: "x"})
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestProducts_RoundTripAndDeliverableUpdate(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		u := newUser("seller@example.com", "SELL2222")
		require.NoError(t, repo.CreateUser(ctx, u))
		p := seedStoreAndProduct(t, repo, u.ID, "K1", "K2")

		got, err := repo.GetProductByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "19.99", got.Price.String())
		assert.True(t, decimal.NewFromInt(10).Equal(got.AffiliatePercent))
		require.NotNil(t, got.BillingInterval)
		assert.Equal(t, models.IntervalMonthly, *got.BillingInterval)
		assert.Nil(t, got.TrialDays)
		require.Len(t, got.Deliverables, 1)

		// Mutating the returned copy must not leak into the store.
		got.Deliverables[0].Details = json.RawMessage(`{"keys":[]}`)
		again, err := repo.GetProductByID(ctx, p.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"keys":["K1","K2"]}`, string(again.Deliverables[0].Details))

		require.NoError(t, repo.UpdateProductDeliverables(ctx, p.ID, []models.DeliverableSpec{
			{Kind: models.DeliverableLicenseKeys, Details: json.RawMessage(`{"keys":["K2"]}`)},
		}))
		again, err = repo.GetProductByID(ctx, p.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"keys":["K2"]}`, string(again.Deliverables[0].Details))

		err = repo.CreateProduct(ctx, &models.Product{ID: uuid.NewString(), StoreID: "missing", Title: "x", Kind: models.KindOneTime, CreatedAt: testNow})
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "product in unknown store")
	})
}

func TestOrders_InsertionOrderAndDueSubscriptions(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		buyer := newUser("buyer@example.com", "BUYR2222")
		seller := newUser("seller@example.com", "SELL2222")
		require.NoError(t, repo.CreateUser(ctx, buyer))
		require.NoError(t, repo.CreateUser(ctx, seller))
		p := seedStoreAndProduct(t, repo, seller.ID)

		due := testNow.AddDate(0, 1, 0)
		later := testNow.AddDate(0, 2, 0)
		referrer := seller.ID
		var ids []string
		for i, next := range []*time.Time{&due, nil, &later} {
			o := &models.Order{
				ID:            uuid.NewString(),
				BuyerID:       buyer.ID,
				ProductID:     p.ID,
				Price:         p.Price,
				Status:        models.StatusActive,
				NextBillingAt: next,
				Deliverables:  []models.Deliverable{{Kind: models.DeliverableLicenseKey, Key: "K"}},
				CreatedAt:     testNow.Add(time.Duration(i) * time.Second),
			}
			if i == 2 {
				o.AffiliateReferrerID = &referrer
				o.AffiliateCommission = models.MustMoney("2.00")
			}
			require.NoError(t, repo.CreateOrder(ctx, o))
			ids = append(ids, o.ID)
		}

		list, err := repo.ListOrdersByBuyer(ctx, buyer.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i := range ids {
			assert.Equal(t, ids[i], list[i].ID, "orders must come back in insertion order")
		}
		assert.Equal(t, "K", list[0].Deliverables[0].Key)

		dueList, err := repo.ListDueSubscriptions(ctx, due)
		require.NoError(t, err)
		require.Len(t, dueList, 1)
		assert.Equal(t, ids[0], dueList[0].ID)

		byRef, err := repo.ListOrdersByReferrer(ctx, seller.ID)
		require.NoError(t, err)
		require.Len(t, byRef, 1)
		assert.Equal(t, "2.00", byRef[0].AffiliateCommission.String())

		// Cancelled orders are never due.
		require.NoError(t, repo.CancelOrder(ctx, dueList[0].ID, due))
		dueList, err = repo.ListDueSubscriptions(ctx, later)
		require.NoError(t, err)
		require.Len(t, dueList, 1)
		assert.Equal(t, ids[2], dueList[0].ID)

		got, err := repo.GetOrderByID(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		require.NotNil(t, got.EndedAt)
		assert.True(t, due.Equal(*got.EndedAt))
		assert.Nil(t, got.NextBillingAt)
	})
}

func TestOrders_TransitionsOnlyApplyToActiveOrders(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		seller := newUser("seller@example.com", "SELLER22")
		buyer := newUser("buyer@example.com", "BUYER222")
		require.NoError(t, repo.CreateUser(ctx, seller))
		require.NoError(t, repo.CreateUser(ctx, buyer))
		p := seedStoreAndProduct(t, repo, seller.ID)

		first := testNow.AddDate(0, 1, 0)
		second := testNow.AddDate(0, 2, 0)
		third := testNow.AddDate(0, 3, 0)
		o := &models.Order{
			ID:            uuid.NewString(),
			BuyerID:       buyer.ID,
			ProductID:     p.ID,
			Price:         p.Price,
			Status:        models.StatusActive,
			NextBillingAt: &first,
			CreatedAt:     testNow,
		}
		require.NoError(t, repo.CreateOrder(ctx, o))

		ok, err := repo.AdvanceBilling(ctx, o.ID, first, second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.AdvanceBilling(ctx, o.ID, first, third)
		require.NoError(t, err)
		assert.False(t, ok, "a stale billing date must not be advanced")

		require.NoError(t, repo.CancelOrder(ctx, o.ID, second))

		ok, err = repo.AdvanceBilling(ctx, o.ID, second, third)
		require.NoError(t, err)
		assert.False(t, ok, "cancelled orders are never renewed")

		err = repo.CancelOrder(ctx, o.ID, third)
		assert.Equal(t, apperr.KindInvalidOperation, apperr.KindOf(err))

		err = repo.CancelOrder(ctx, "missing", third)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		got, err := repo.GetOrderByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		assert.Nil(t, got.NextBillingAt)
		require.NotNil(t, got.EndedAt)
		assert.True(t, second.Equal(*got.EndedAt), "the first cancellation time is kept")
	})
}

func TestReferrals_PairIsUnique(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		a := newUser("a@example.com", "AAAA2222")
		b := newUser("b@example.com", "BBBB2222")
		c := newUser("c@example.com", "CCCC2222")
		for _, u := range []*models.User{a, b, c} {
			require.NoError(t, repo.CreateUser(ctx, u))
		}

		ref := func(referred string, src models.ReferralSource) error {
			return repo.CreateReferral(ctx, &models.Referral{ID: uuid.NewString(), ReferrerID: a.ID, ReferredID: referred, Source: src, CreatedAt: testNow})
		}
		require.NoError(t, ref(b.ID, models.ReferralAtRegistration))
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(ref(b.ID, models.ReferralAtCheckout)))
		require.NoError(t, ref(c.ID, models.ReferralAtCheckout))

		n, err := repo.CountReferralsByReferrer(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = repo.CountReferralsByReferrer(ctx, b.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s, err := NewSQLStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLStore(path)
	require.NoError(t, err, "reopening must skip applied migrations")
	defer s.Close()

	var n int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}
