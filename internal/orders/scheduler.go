package orders

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// BillingScheduler runs the renewal sweep on a cron schedule.
type BillingScheduler struct {
	cron *cron.Cron
}

func NewBillingScheduler(svc *Service, spec string) (*BillingScheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := svc.RenewDue(context.Background(), svc.Now().UTC())
		if err != nil {
			slog.Error("Billing sweep failed", "renewed", n, "error", err)
			return
		}
		if n > 0 {
			slog.Info("Billing sweep finished", "renewed", n)
		}
	})
	if err != nil {
		return nil, err
	}
	return &BillingScheduler{cron: c}, nil
}

func (b *BillingScheduler) Start() {
	b.cron.Start()
}

// Stop waits for a running sweep to finish.
func (b *BillingScheduler) Stop() {
	<-b.cron.Stop().Done()
}
