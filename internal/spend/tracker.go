// Package spend computes a payment instrument's accumulated spend or
// bonus points within a calendar-month or statement-month window.
package spend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/open-rewards/talon/internal/domain"
)

// Tracker sums recorded transactions over period windows, with a
// per-instrument result cache. The transaction currently being
// evaluated is excluded by construction: it has not been recorded yet
// when the calculator consults the tracker.
type Tracker struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewTracker creates a spend tracker.
func NewTracker(repo domain.Repository, cache domain.Cache, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tracker{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}
}

// PeriodWindow computes the [from, to) window for a period type.
//
// calendar: the first through last day of asOf's month.
// statement: anchored at anchorDay; if asOf's day-of-month is before the
// anchor the period starts in the previous month, otherwise it starts in
// the current month and runs to the following month's anchor day.
func PeriodWindow(periodType domain.SpendPeriodType, asOf time.Time, anchorDay int) (time.Time, time.Time) {
	asOf = asOf.UTC()

	if periodType == domain.PeriodStatement {
		if anchorDay < 1 {
			anchorDay = 1
		}
		year, month := asOf.Year(), asOf.Month()
		start := time.Date(year, month, anchorDay, 0, 0, 0, 0, time.UTC)
		if asOf.Day() < anchorDay {
			start = start.AddDate(0, -1, 0)
		}
		return start, start.AddDate(0, 1, 0)
	}

	start := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// PeriodTotal returns the instrument's total spend (basis=spend) or
// bonus points used (basis=points) for the active window.
func (t *Tracker) PeriodTotal(ctx context.Context, instrumentID string, basis domain.CapBasis, periodType domain.SpendPeriodType, asOf time.Time, anchorDay int) (float64, error) {
	if instrumentID == "" {
		return 0, fmt.Errorf("instrumentID is required")
	}

	key := cacheKey(instrumentID, basis, periodType, asOf, anchorDay)

	if t.cache != nil {
		if raw, err := t.cache.Get(ctx, key); err == nil && raw != nil {
			if total, err := strconv.ParseFloat(string(raw), 64); err == nil {
				return total, nil
			}
		}
	}

	from, to := PeriodWindow(periodType, asOf, anchorDay)

	var total float64
	switch basis {
	case domain.CapBasisPoints:
		points, err := t.repo.SumBonusPointsByInstrument(ctx, instrumentID, from, to)
		if err != nil {
			return 0, fmt.Errorf("failed to sum bonus points: %w", err)
		}
		total = float64(points)
	default:
		spend, err := t.repo.SumSpendByInstrument(ctx, instrumentID, from, to)
		if err != nil {
			return 0, fmt.Errorf("failed to sum spend: %w", err)
		}
		total = spend
	}

	if t.cache != nil {
		raw := strconv.FormatFloat(total, 'f', -1, 64)
		_ = t.cache.Set(ctx, key, []byte(raw), t.ttl)
	}

	return total, nil
}

// PeriodTotalOrZero is the calculator's entry point. Data-source errors
// are logged and degraded to zero spend so reward calculation stays
// available; this asymmetry versus the rule store's fail-closed
// mutations is deliberate.
func (t *Tracker) PeriodTotalOrZero(ctx context.Context, instrumentID string, basis domain.CapBasis, periodType domain.SpendPeriodType, asOf time.Time, anchorDay int) float64 {
	total, err := t.PeriodTotal(ctx, instrumentID, basis, periodType, asOf, anchorDay)
	if err != nil {
		slog.Error("spend lookup failed, treating as zero",
			"instrument_id", instrumentID,
			"basis", string(basis),
			"period", string(periodType),
			"error", err,
		)
		return 0
	}
	return total
}

// Invalidate clears every cached total for the instrument. Coarse on
// purpose: correctness preferred over cache-hit rate.
func (t *Tracker) Invalidate(ctx context.Context, instrumentID string) error {
	if t.cache == nil {
		return nil
	}
	return t.cache.DeletePrefix(ctx, prefix(instrumentID))
}

func prefix(instrumentID string) string {
	return "spend:" + instrumentID + ":"
}

func cacheKey(instrumentID string, basis domain.CapBasis, periodType domain.SpendPeriodType, asOf time.Time, anchorDay int) string {
	if periodType == "" {
		periodType = domain.PeriodCalendar
	}
	if basis == "" {
		basis = domain.CapBasisSpend
	}
	from, _ := PeriodWindow(periodType, asOf, anchorDay)
	return fmt.Sprintf("%s%s:%s:%d:%02d:%d", prefix(instrumentID), basis, periodType, from.Year(), int(from.Month()), anchorDay)
}
