package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/config"
	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// FundLedger manages per-user virtual capital. Every mutation for one
// user is serialized by that user's mutex; mutations load, change and
// persist the fund row inside the critical section, and never touch the
// network while holding it.
type FundLedger struct {
	store    store.DataStore
	settings *config.Store
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFundLedger creates the fund ledger.
func NewFundLedger(st store.DataStore, settings *config.Store, logger zerolog.Logger) *FundLedger {
	return &FundLedger{
		store:    st,
		settings: settings,
		logger:   logger.With().Str("component", "funds").Logger(),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (l *FundLedger) userLock(user string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[user]
	if !ok {
		m = &sync.Mutex{}
		l.locks[user] = m
	}
	return m
}

// WithUser runs fn while holding the user's ledger lock. The fill path
// uses this to make order+trade+position+fund updates atomic with
// respect to other ledger mutations for the same user.
func (l *FundLedger) WithUser(user string, fn func() error) error {
	m := l.userLock(user)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Initialize idempotently creates a fund account at the configured
// starting capital.
func (l *FundLedger) Initialize(ctx context.Context, user string) (*models.Fund, error) {
	var fund *models.Fund
	err := l.WithUser(user, func() error {
		existing, err := l.store.GetFund(ctx, user)
		if err != nil {
			return err
		}
		if existing != nil {
			fund = existing
			return nil
		}

		capital := l.settings.GetInt64(config.KeyStartingCapital, 100000000)
		fund = &models.Fund{
			User:             user,
			TotalCapital:     capital,
			AvailableBalance: capital,
			UpdatedAt:        time.Now(),
		}
		l.logger.Info().Str("user", user).Int64("capital", capital).Msg("fund account created")
		return l.store.SaveFund(ctx, fund)
	})
	return fund, err
}

// Get returns the user's fund account.
func (l *FundLedger) Get(ctx context.Context, user string) (*models.Fund, error) {
	fund, err := l.store.GetFund(ctx, user)
	if err != nil {
		return nil, err
	}
	if fund == nil {
		return nil, fmt.Errorf("user %s: %w", user, apperrors.ErrFundNotFound)
	}
	return fund, nil
}

// CheckMargin reports whether the user can cover amount. Read-only.
func (l *FundLedger) CheckMargin(ctx context.Context, user string, amount int64) (bool, error) {
	fund, err := l.Get(ctx, user)
	if err != nil {
		return false, err
	}
	return fund.AvailableBalance >= amount, nil
}

// mutate loads, applies and persists the user's fund under the lock.
func (l *FundLedger) mutate(ctx context.Context, user string, fn func(*models.Fund) error) error {
	return l.WithUser(user, func() error {
		fund, err := l.Get(ctx, user)
		if err != nil {
			return err
		}
		if err := fn(fund); err != nil {
			return err
		}
		fund.UpdatedAt = time.Now()
		return l.store.SaveFund(ctx, fund)
	})
}

// BlockMargin moves amount from available to used. Fails with a
// MarginError when the balance cannot cover it.
func (l *FundLedger) BlockMargin(ctx context.Context, user string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return l.mutate(ctx, user, func(fund *models.Fund) error {
		if fund.AvailableBalance < amount {
			return apperrors.NewMarginError(user, amount, fund.AvailableBalance)
		}
		ApplyBlock(fund, amount)
		return nil
	})
}

// ReleaseMargin moves amount from used back to available and credits
// realized P&L (which may be negative).
func (l *FundLedger) ReleaseMargin(ctx context.Context, user string, amount, realized int64) error {
	if amount == 0 && realized == 0 {
		return nil
	}
	return l.mutate(ctx, user, func(fund *models.Fund) error {
		ApplyRelease(fund, amount, realized)
		return nil
	})
}

// TransferMarginToHoldings reduces used margin without crediting cash;
// the value now lives in the settled holding.
func (l *FundLedger) TransferMarginToHoldings(ctx context.Context, user string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return l.mutate(ctx, user, func(fund *models.Fund) error {
		ApplyHoldingsTransfer(fund, amount)
		return nil
	})
}

// CreditSaleProceeds credits cash from a holdings sale directly. No
// margin was ever blocked against a holding. realized records the P&L
// over the holding's average price; the proceeds already contain it.
func (l *FundLedger) CreditSaleProceeds(ctx context.Context, user string, proceeds, realized int64) error {
	return l.mutate(ctx, user, func(fund *models.Fund) error {
		ApplySaleProceeds(fund, proceeds, realized)
		return nil
	})
}

// UpdateUnrealizedPnL replaces the user's unrealized P&L figure.
func (l *FundLedger) UpdateUnrealizedPnL(ctx context.Context, user string, unrealized int64) error {
	return l.mutate(ctx, user, func(fund *models.Fund) error {
		fund.UnrealizedPnL = unrealized
		return nil
	})
}

// ZeroTodayRealized clears a stale today-realized figure left over from
// a missed session rollover.
func (l *FundLedger) ZeroTodayRealized(ctx context.Context, user string) error {
	return l.mutate(ctx, user, func(fund *models.Fund) error {
		fund.TodayRealizedPnL = 0
		return nil
	})
}

// Reset restores starting capital, clears the user's positions and
// holdings, and increments the reset counter.
func (l *FundLedger) Reset(ctx context.Context, user string) error {
	return l.WithUser(user, func() error {
		fund, err := l.Get(ctx, user)
		if err != nil {
			return err
		}

		positions, err := l.store.ListPositions(ctx, store.PositionFilter{User: user})
		if err != nil {
			return err
		}
		for _, p := range positions {
			if err := l.store.DeletePosition(ctx, p.User, p.Symbol, p.Exchange, p.Product); err != nil {
				return err
			}
		}

		holdings, err := l.store.ListHoldings(ctx, user)
		if err != nil {
			return err
		}
		for _, h := range holdings {
			if err := l.store.DeleteHolding(ctx, h.User, h.Symbol, h.Exchange); err != nil {
				return err
			}
		}

		capital := l.settings.GetInt64(config.KeyStartingCapital, fund.TotalCapital)
		fund.TotalCapital = capital
		fund.AvailableBalance = capital
		fund.UsedMargin = 0
		fund.RealizedPnL = 0
		fund.UnrealizedPnL = 0
		fund.TodayRealizedPnL = 0
		fund.LastResetDate = time.Now()
		fund.ResetCount++
		fund.UpdatedAt = time.Now()

		l.logger.Info().Str("user", user).Int64("reset_count", fund.ResetCount).Msg("fund account reset")
		return l.store.SaveFund(ctx, fund)
	})
}

// Reconcile recomputes used margin from open positions and open orders
// and corrects any drift, keeping total equity unchanged.
func (l *FundLedger) Reconcile(ctx context.Context, user string) error {
	return l.WithUser(user, func() error {
		fund, err := l.Get(ctx, user)
		if err != nil {
			return err
		}

		positions, err := l.store.ListPositions(ctx, store.PositionFilter{User: user, OpenOnly: true})
		if err != nil {
			return err
		}
		orders, err := l.store.ListOrders(ctx, store.OrderFilter{User: user, Status: models.OrderOpen})
		if err != nil {
			return err
		}

		var expected int64
		for _, p := range positions {
			expected += p.MarginBlocked
		}
		for _, o := range orders {
			expected += o.MarginBlocked
		}

		if expected == fund.UsedMargin {
			return nil
		}

		drift := fund.UsedMargin - expected
		l.logger.Warn().Str("user", user).
			Int64("used_margin", fund.UsedMargin).
			Int64("expected", expected).
			Int64("drift", drift).
			Err(apperrors.ErrMarginDrift).
			Msg("margin drift corrected")

		fund.UsedMargin = expected
		fund.AvailableBalance += drift
		fund.UpdatedAt = time.Now()
		return l.store.SaveFund(ctx, fund)
	})
}

// Pure fund-mutation helpers. The fill path applies these to an
// in-memory copy before the transactional commit.

// ApplyBlock moves amount from available to used.
func ApplyBlock(fund *models.Fund, amount int64) {
	fund.AvailableBalance -= amount
	fund.UsedMargin += amount
}

// ApplyRelease moves amount from used to available and credits realized
// P&L to cash and to the realized counters.
func ApplyRelease(fund *models.Fund, amount, realized int64) {
	fund.UsedMargin -= amount
	fund.AvailableBalance += amount + realized
	fund.RealizedPnL += realized
	fund.TodayRealizedPnL += realized
}

// ApplyHoldingsTransfer reduces used margin without a cash credit.
func ApplyHoldingsTransfer(fund *models.Fund, amount int64) {
	fund.UsedMargin -= amount
	if fund.UsedMargin < 0 {
		fund.UsedMargin = 0
	}
}

// ApplySaleProceeds credits holdings sale proceeds and records the
// realized P&L they contain.
func ApplySaleProceeds(fund *models.Fund, proceeds, realized int64) {
	fund.AvailableBalance += proceeds
	fund.RealizedPnL += realized
	fund.TodayRealizedPnL += realized
}
