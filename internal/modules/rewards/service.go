// README: Coin wallet service used at trip creation and on early termination.
package rewards

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/types"
)

type Service struct {
	store *Store
	log   *logrus.Entry
}

func NewService(store *Store, log *logrus.Entry) *Service {
	return &Service{store: store, log: log.WithField("module", "rewards")}
}

// Redeem is a no-op for zero coins. Returns ErrInsufficientCoins when the
// balance does not cover the request.
func (s *Service) Redeem(ctx context.Context, customerID, tripID types.ID, coins int64) error {
	if coins <= 0 {
		return nil
	}
	return s.store.Redeem(ctx, customerID, tripID, coins)
}

func (s *Service) Refund(ctx context.Context, customerID, tripID types.ID) (int64, error) {
	coins, err := s.store.Refund(ctx, customerID, tripID)
	if err != nil {
		return 0, err
	}
	if coins > 0 {
		s.log.WithFields(logrus.Fields{"customer_id": customerID, "trip_id": tripID, "coins": coins}).Info("coins refunded")
	}
	return coins, nil
}

// RefundOrphans returns the coins of redemptions whose trip was never created,
// such as after a crash between the debit and the trip insert.
func (s *Service) RefundOrphans(ctx context.Context, before time.Time) (int, error) {
	orphans, err := s.store.OrphanRedemptions(ctx, before, 500)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, e := range orphans {
		coins, err := s.Refund(ctx, e.UserID, e.TripID)
		if err != nil {
			s.log.WithError(err).WithField("trip_id", e.TripID).Warn("refund orphan redemption")
			continue
		}
		if coins > 0 {
			refunded++
		}
	}
	return refunded, nil
}

func (s *Service) Ledger(ctx context.Context, userID types.ID) ([]Entry, error) {
	return s.store.Entries(ctx, userID, 100)
}
