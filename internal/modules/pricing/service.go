// README: Pricing service serves settlement settings with a short in-process cache.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"rideflow/internal/config"
)

type Loader interface {
	Load(ctx context.Context) (Settings, bool, error)
}

type Service struct {
	store    Loader
	defaults Settings
	ttl      time.Duration
	log      *logrus.Entry
	now      func() time.Time

	loads    singleflight.Group
	mu       sync.RWMutex
	cached   Settings
	cachedAt time.Time
}

func NewService(store Loader, defaults Settings, ttl time.Duration, log *logrus.Entry) *Service {
	return &Service{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		log:      log.WithField("module", "pricing"),
		now:      time.Now,
	}
}

// DefaultsFromConfig parses the configured fallback settings.
func DefaultsFromConfig(c config.PricingDefaults) (Settings, error) {
	var st Settings
	var err error
	if st.CommissionRate, err = decimal.NewFromString(c.CommissionRate); err != nil {
		return Settings{}, fmt.Errorf("pricing.commission_rate: %w", err)
	}
	if st.IncentiveCash, err = decimal.NewFromString(c.IncentiveCash); err != nil {
		return Settings{}, fmt.Errorf("pricing.incentive_cash: %w", err)
	}
	if st.CoinValue, err = decimal.NewFromString(c.CoinValue); err != nil {
		return Settings{}, fmt.Errorf("pricing.coin_value: %w", err)
	}
	if st.MaxDiscountShare, err = decimal.NewFromString(c.MaxDiscountShare); err != nil {
		return Settings{}, fmt.Errorf("pricing.max_discount_share: %w", err)
	}
	st.IncentiveCoins = c.IncentiveCoins
	st.Tiers = DefaultTiers
	return st, nil
}

// Settings returns the current settings. A load failure falls back to the
// last good value, or the defaults when nothing was loaded yet. Concurrent
// callers share one load, and no lock is held while it runs.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	if st, ok := s.fresh(s.now()); ok {
		return st, nil
	}
	if s.store == nil {
		return s.defaults, nil
	}
	v, _, _ := s.loads.Do("settings", func() (any, error) {
		return s.reload(ctx), nil
	})
	return v.(Settings), nil
}

func (s *Service) fresh(now time.Time) (Settings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.ttl {
		return s.cached, true
	}
	return Settings{}, false
}

func (s *Service) reload(ctx context.Context) Settings {
	now := s.now()
	if st, ok := s.fresh(now); ok {
		return st
	}

	st, found, err := s.store.Load(ctx)
	if err != nil {
		s.log.WithError(err).Warn("load settings, using fallback")
		s.mu.RLock()
		defer s.mu.RUnlock()
		if !s.cachedAt.IsZero() {
			return s.cached
		}
		return s.defaults
	}
	if !found {
		tiers := st.Tiers
		st = s.defaults
		if len(tiers) > 0 {
			st.Tiers = tiers
		}
	} else if len(st.Tiers) == 0 {
		st.Tiers = s.defaults.Tiers
	}

	s.mu.Lock()
	s.cached = st
	s.cachedAt = now
	s.mu.Unlock()
	return st
}
