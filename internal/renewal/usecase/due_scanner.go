package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
)

// DueRenewalScanner creates renewal orders for active subscriptions whose
// next payment is due and that have no order for that cycle yet.
type DueRenewalScanner struct {
	store     repo.SubscriptionRepository
	factory   *OrderFactory
	batchSize int
}

// NewDueRenewalScanner creates a new due-renewal scanner
func NewDueRenewalScanner(store repo.SubscriptionRepository, factory *OrderFactory, batchSize int) *DueRenewalScanner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DueRenewalScanner{store: store, factory: factory, batchSize: batchSize}
}

// ScanDue creates renewal orders for everything due at now and returns how
// many were created. A failing subscription is logged and skipped.
func (s *DueRenewalScanner) ScanDue(ctx context.Context, now time.Time) (int, error) {
	filter := repo.SubscriptionFilter{
		Status:                domain.SubscriptionStatusActive,
		NextPaymentOnOrBefore: now,
		MissingRenewalOrder:   true,
	}

	created := 0
	for {
		ids, err := s.store.Find(ctx, filter, s.batchSize)
		if err != nil {
			return created, err
		}

		pageCreated := 0
		for _, id := range ids {
			order, err := s.factory.CreateRenewalOrder(ctx, id)
			if err != nil {
				metrics.DueRenewalsTotal.WithLabelValues("error").Inc()
				log.Warn(ctx, "Failed to create renewal order for due subscription",
					zap.String("subscription_id", id.String()),
					zap.Error(err))
				continue
			}
			metrics.DueRenewalsTotal.WithLabelValues("created").Inc()
			log.Debug(ctx, "Created renewal order for due subscription",
				zap.String("subscription_id", id.String()),
				zap.String("order_id", order.ID.String()))
			pageCreated++
		}
		created += pageCreated

		// Failed records stay in the result set; stop when a page makes no progress.
		if len(ids) < s.batchSize || pageCreated == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return created, err
		}
	}

	if created > 0 {
		log.Info(ctx, "Due renewal scan finished", zap.Int("created", created))
	}
	return created, nil
}

// Run scans with the current time. It matches the cron job signature.
func (s *DueRenewalScanner) Run(ctx context.Context) error {
	_, err := s.ScanDue(ctx, time.Now())
	return err
}
