package orders

import (
	"time"

	"github.com/alextreichler/tradepost/internal/models"
)

func intervalMonths(iv *models.BillingInterval) int {
	if iv != nil && *iv == models.IntervalYearly {
		return 12
	}
	return 1
}

// BillingDate returns the n-th charge date (n = 0 is the first) of a
// subscription bought at checkout. Dates are computed from the checkout
// time with calendar arithmetic rather than from the previous charge, so a
// subscription bought on the 31st keeps billing on the 31st whenever the
// month has one. Days past the end of a month roll over the way
// time.AddDate normalises them: 2024-01-31 + 1 month is 2024-03-02.
//
// A trial overrides the one-interval rule: the first charge falls when the
// trial ends and later charges follow from there. Without a trial the first
// charge is always checkout plus one interval.
func BillingDate(p *models.Product, checkout time.Time, n int) time.Time {
	months := intervalMonths(p.BillingInterval)
	if p.TrialDays != nil && *p.TrialDays > 0 {
		return checkout.AddDate(0, 0, *p.TrialDays).AddDate(0, n*months, 0)
	}
	return checkout.AddDate(0, (n+1)*months, 0)
}

// FirstBillingAt is nil for one-time products.
func FirstBillingAt(p *models.Product, checkout time.Time) *time.Time {
	if !p.IsSubscription() {
		return nil
	}
	t := BillingDate(p, checkout, 0)
	return &t
}

// nextBillingAfter returns the first charge date strictly after both
// current and now.
func nextBillingAfter(p *models.Product, checkout, current, now time.Time) time.Time {
	floor := now
	if current.After(floor) {
		floor = current
	}
	n := 0
	next := BillingDate(p, checkout, n)
	for !next.After(floor) {
		n++
		next = BillingDate(p, checkout, n)
	}
	return next
}
