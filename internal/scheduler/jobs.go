package scheduler

import (
	"context"
	"time"

	"paper-trader/internal/config"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

// Deps carries everything the job set needs.
type Deps struct {
	Store    store.DataStore
	Service  *trading.Service
	Settings *config.Store
	Session  *trading.SessionManager
	RefData  *marketdata.RefData
	Quotes   marketdata.QuoteService
}

// dailyAt returns a Next function firing at the given clock on every
// trading day.
func dailyAt(session *trading.SessionManager, clock config.Clock) func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		candidate := clock.At(after.In(session.Location()))
		for !candidate.After(after) || !session.IsTradingDay(candidate) {
			candidate = clock.At(candidate.AddDate(0, 0, 1))
		}
		return candidate
	}
}

// weeklyAt returns a Next function firing at the given clock on the
// given weekday.
func weeklyAt(loc *time.Location, day time.Weekday, clock config.Clock) func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		candidate := clock.At(after.In(loc))
		for !candidate.After(after) || candidate.Weekday() != day {
			candidate = clock.At(candidate.AddDate(0, 0, 1))
		}
		return candidate
	}
}

// every returns a Next function for a fixed interval.
func every(interval time.Duration) func(time.Time) time.Time {
	return func(after time.Time) time.Time { return after.Add(interval) }
}

// BuildJobs assembles the job table from current settings. Called at
// startup and again on every schedule reload.
func BuildJobs(deps Deps) func(ctx context.Context) ([]*Job, error) {
	return func(ctx context.Context) ([]*Job, error) {
		var jobs []*Job

		// Per-exchange square-off at the configured cutoff.
		for _, exchange := range []models.Exchange{models.NSE, models.BSE, models.NFO, models.MCX} {
			clock, ok := deps.Settings.SquareOffTime(string(exchange))
			if !ok {
				continue
			}
			exch := exchange
			jobs = append(jobs, &Job{
				ID:   "squareoff." + string(exch),
				Next: dailyAt(deps.Session, clock),
				Run: func(ctx context.Context, _ time.Time) error {
					return deps.Service.SquareOffExchange(ctx, exch)
				},
			})
		}

		// Minutely backup: re-run the square-off check for any exchange
		// already past its cutoff. Idempotent by construction.
		jobs = append(jobs, &Job{
			ID:   "squareoff.backup",
			Next: every(time.Minute),
			Run: func(ctx context.Context, fireTime time.Time) error {
				now := fireTime.In(deps.Session.Location())
				if !deps.Session.IsTradingDay(now) {
					return nil
				}
				minutes := now.Hour()*60 + now.Minute()
				for _, exchange := range []models.Exchange{models.NSE, models.BSE, models.NFO, models.MCX} {
					clock, ok := deps.Settings.SquareOffTime(string(exchange))
					if !ok || minutes < clock.Minutes() {
						continue
					}
					if err := deps.Service.SquareOffExchange(ctx, exchange); err != nil {
						return err
					}
				}
				return nil
			},
		})

		// Nightly T+1 settlement plus contract expiry sweep.
		t1Clock := deps.Settings.GetClock(config.KeyT1SettlementTime, config.Clock{Hour: 18, Minute: 30})
		jobs = append(jobs, &Job{
			ID:   "settlement.t1",
			Next: dailyAt(deps.Session, t1Clock),
			Run: func(ctx context.Context, fireTime time.Time) error {
				if _, err := deps.Service.Holdings().ProcessT1Settlement(ctx, fireTime); err != nil {
					return err
				}
				return deps.Service.Positions().ExpirySettlement(ctx, deps.RefData, deps.Service.Funds(), fireTime)
			},
		})

		// Nightly P&L snapshot.
		snapClock := deps.Settings.GetClock(config.KeySnapshotTime, config.Clock{Hour: 18, Minute: 45})
		jobs = append(jobs, &Job{
			ID:   "snapshot.daily",
			Next: dailyAt(deps.Session, snapClock),
			Run: func(ctx context.Context, fireTime time.Time) error {
				return deps.Service.SnapshotDailyPnL(ctx, deps.Session.TradingDayStart(fireTime))
			},
		})

		// Mark-to-market refresh.
		mtm := deps.Settings.GetDuration(config.KeyMTMInterval, time.Second, 10*time.Second)
		jobs = append(jobs, &Job{
			ID:   "mtm.refresh",
			Next: every(mtm),
			Run: func(ctx context.Context, fireTime time.Time) error {
				return deps.Service.Positions().UpdateMTM(ctx, deps.Quotes, deps.Service.Funds(), fireTime)
			},
		})

		// Weekly capital reset, when enabled.
		if day, clock, enabled := deps.Settings.WeeklyReset(); enabled {
			jobs = append(jobs, &Job{
				ID:   "reset.weekly",
				Next: weeklyAt(deps.Session.Location(), day, clock),
				Run: func(ctx context.Context, _ time.Time) error {
					funds, err := deps.Store.ListFunds(ctx)
					if err != nil {
						return err
					}
					for _, fund := range funds {
						if err := deps.Service.Funds().Reset(ctx, fund.User); err != nil {
							return err
						}
					}
					return nil
				},
			})
		}

		return jobs, nil
	}
}
