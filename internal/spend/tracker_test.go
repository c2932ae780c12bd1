package spend

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/open-rewards/talon/internal/cache"
	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "spend-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func saveTx(t *testing.T, repo domain.Repository, id, instrument string, amount float64, bonus int64, ts time.Time) {
	t.Helper()
	tx := &domain.Transaction{
		ID:           id,
		InstrumentID: instrument,
		ProductID:    "prod-1",
		Amount:       amount,
		Currency:     "USD",
		BonusPoints:  bonus,
		Timestamp:    ts,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.SaveTransaction(context.Background(), tx); err != nil {
		t.Fatalf("failed to save transaction: %v", err)
	}
}

func TestPeriodWindow(t *testing.T) {
	t.Run("calendar month", func(t *testing.T) {
		asOf := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
		from, to := PeriodWindow(domain.PeriodCalendar, asOf, 1)

		if !from.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected from: %v", from)
		}
		if !to.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected to: %v", to)
		}
	})

	t.Run("statement on or after anchor", func(t *testing.T) {
		asOf := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
		from, to := PeriodWindow(domain.PeriodStatement, asOf, 15)

		if !from.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected from: %v", from)
		}
		if !to.Equal(time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected to: %v", to)
		}
	})

	t.Run("statement before anchor starts previous month", func(t *testing.T) {
		asOf := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		from, to := PeriodWindow(domain.PeriodStatement, asOf, 15)

		if !from.Equal(time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected from: %v", from)
		}
		if !to.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected to: %v", to)
		}
	})

	t.Run("invalid anchor falls back to 1", func(t *testing.T) {
		asOf := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		from, _ := PeriodWindow(domain.PeriodStatement, asOf, 0)

		if !from.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected from: %v", from)
		}
	})
}

func TestTrackerPeriodTotal(t *testing.T) {
	repo := newTestRepo(t)
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	tracker := NewTracker(repo, lruCache, time.Minute)
	ctx := context.Background()
	asOf := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	// Two transactions in the window, one outside, one for another card.
	saveTx(t, repo, "tx-1", "card-1", 100, 50, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))
	saveTx(t, repo, "tx-2", "card-1", 250, 100, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	saveTx(t, repo, "tx-3", "card-1", 999, 999, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC))
	saveTx(t, repo, "tx-4", "card-2", 500, 10, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))

	t.Run("spend basis", func(t *testing.T) {
		total, err := tracker.PeriodTotal(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if total != 350 {
			t.Errorf("expected 350, got %v", total)
		}
	})

	t.Run("points basis", func(t *testing.T) {
		total, err := tracker.PeriodTotal(ctx, "card-1", domain.CapBasisPoints, domain.PeriodCalendar, asOf, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if total != 150 {
			t.Errorf("expected 150, got %v", total)
		}
	})

	t.Run("settlement amount preferred when present", func(t *testing.T) {
		settlement := 80.0
		tx := &domain.Transaction{
			ID:               "tx-settled",
			InstrumentID:     "card-3",
			Amount:           100,
			Currency:         "EUR",
			SettlementAmount: &settlement,
			Timestamp:        time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
			CreatedAt:        time.Now().UTC(),
		}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}

		total, err := tracker.PeriodTotal(ctx, "card-3", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if total != 80 {
			t.Errorf("expected 80, got %v", total)
		}
	})

	t.Run("missing instrument id", func(t *testing.T) {
		if _, err := tracker.PeriodTotal(ctx, "", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1); err == nil {
			t.Error("expected error for empty instrument id")
		}
	})
}

func TestTrackerCaching(t *testing.T) {
	repo := newTestRepo(t)
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	tracker := NewTracker(repo, lruCache, time.Minute)
	ctx := context.Background()
	asOf := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	saveTx(t, repo, "tx-1", "card-1", 100, 0, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))

	first, err := tracker.PeriodTotal(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 100 {
		t.Fatalf("expected 100, got %v", first)
	}

	// A new transaction is invisible until the cache is invalidated.
	saveTx(t, repo, "tx-2", "card-1", 50, 0, time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC))

	cached, err := tracker.PeriodTotal(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached != 100 {
		t.Errorf("expected cached 100, got %v", cached)
	}

	if err := tracker.Invalidate(ctx, "card-1"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	fresh, err := tracker.PeriodTotal(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh != 150 {
		t.Errorf("expected 150 after invalidation, got %v", fresh)
	}
}

func TestTrackerFailOpen(t *testing.T) {
	repo := newTestRepo(t)
	tracker := NewTracker(repo, nil, time.Minute)
	ctx := context.Background()

	// Closing the repository forces a data-source error underneath.
	repo.Close()

	total := tracker.PeriodTotalOrZero(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, time.Now().UTC(), 1)
	if total != 0 {
		t.Errorf("expected zero on data-source failure, got %v", total)
	}
}

func TestTrackerManyInstruments(t *testing.T) {
	repo := newTestRepo(t)
	lruCache := cache.NewLRUCache(1000)
	defer lruCache.Close()

	tracker := NewTracker(repo, lruCache, time.Minute)
	ctx := context.Background()
	asOf := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		saveTx(t, repo, fmt.Sprintf("tx-%d", i), fmt.Sprintf("card-%d", i), float64((i+1)*10), 0,
			time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC))
	}

	for i := 0; i < 10; i++ {
		total, err := tracker.PeriodTotal(ctx, fmt.Sprintf("card-%d", i), domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := float64((i + 1) * 10)
		if total != want {
			t.Errorf("card-%d: expected %v, got %v", i, want, total)
		}
	}
}
