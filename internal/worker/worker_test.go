package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/open-rewards/talon/internal/auth"
	"github.com/open-rewards/talon/internal/bus"
	"github.com/open-rewards/talon/internal/cache"
	"github.com/open-rewards/talon/internal/condition"
	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/repository"
	"github.com/open-rewards/talon/internal/rulestore"
	"github.com/open-rewards/talon/internal/spend"
)

type fixture struct {
	repo    domain.Repository
	cache   *cache.LRUCache
	bus     domain.EventBus
	store   *rulestore.Store
	tracker *spend.Tracker
	worker  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "worker-test-*.db")
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

	lruCache := cache.NewLRUCache(100)
	t.Cleanup(func() { lruCache.Close() })

	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	store := rulestore.New(repo, lruCache, nil, evaluator, time.Minute)
	tracker := spend.NewTracker(repo, lruCache, time.Minute)

	w := NewWorker(channelBus, store, tracker)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	return &fixture{
		repo:    repo,
		cache:   lruCache,
		bus:     channelBus,
		store:   store,
		tracker: tracker,
		worker:  w,
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestWorkerInvalidatesRuleCache(t *testing.T) {
	f := newFixture(t)
	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{Subject: "tester"})

	rule := &domain.RewardRule{
		ProductID: "p1",
		Name:      "base",
		Enabled:   true,
		Config: domain.RewardConfig{
			CalculationMethod: domain.MethodStandard,
			BaseMultiplier:    1,
		},
	}
	if _, err := f.store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}

	// Prime the cache.
	if _, err := f.store.GetRulesForProduct(ctx, "p1"); err != nil {
		t.Fatalf("failed to read rules: %v", err)
	}
	if raw, _ := f.cache.Get(ctx, "rules:product:p1"); raw == nil {
		t.Fatal("expected primed rule cache")
	}

	// A change event from another instance arrives on the bus.
	payload, _ := json.Marshal(domain.RuleChangedEvent{
		RuleID:    "remote-rule",
		ProductID: "p1",
		Action:    "updated",
	})
	if err := f.bus.Publish(ctx, domain.TopicRuleChanged, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		raw, _ := f.cache.Get(ctx, "rules:product:p1")
		return raw == nil
	})
}

func TestWorkerInvalidatesAllRulesOnDelete(t *testing.T) {
	f := newFixture(t)
	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{Subject: "tester"})

	for _, product := range []string{"p1", "p2"} {
		rule := &domain.RewardRule{
			ProductID: product,
			Name:      "base",
			Enabled:   true,
			Config:    domain.RewardConfig{CalculationMethod: domain.MethodStandard, BaseMultiplier: 1},
		}
		if _, err := f.store.CreateRule(ctx, rule); err != nil {
			t.Fatalf("failed to create rule: %v", err)
		}
		if _, err := f.store.GetRulesForProduct(ctx, product); err != nil {
			t.Fatalf("failed to read rules: %v", err)
		}
	}

	// Deletion events carry no product id.
	payload, _ := json.Marshal(domain.RuleChangedEvent{RuleID: "gone", Action: "deleted"})
	if err := f.bus.Publish(ctx, domain.TopicRuleChanged, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		raw1, _ := f.cache.Get(ctx, "rules:product:p1")
		raw2, _ := f.cache.Get(ctx, "rules:product:p2")
		return raw1 == nil && raw2 == nil
	})
}

func TestWorkerInvalidatesSpendCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)

	tx := &domain.Transaction{
		ID:           "tx-1",
		InstrumentID: "card-1",
		Amount:       100,
		Currency:     "USD",
		Timestamp:    time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC),
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.repo.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("failed to save transaction: %v", err)
	}

	// Prime the spend cache.
	total, err := f.tracker.PeriodTotal(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 100 {
		t.Fatalf("expected 100, got %v", total)
	}

	// A second transaction recorded elsewhere.
	tx2 := &domain.Transaction{
		ID:           "tx-2",
		InstrumentID: "card-1",
		Amount:       50,
		Currency:     "USD",
		Timestamp:    time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC),
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.repo.SaveTransaction(ctx, tx2); err != nil {
		t.Fatalf("failed to save transaction: %v", err)
	}

	payload, _ := json.Marshal(domain.TransactionRecordedEvent{
		TransactionID: "tx-2",
		InstrumentID:  "card-1",
		Amount:        50,
	})
	if err := f.bus.Publish(ctx, domain.TopicTransactionRecorded, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		total, err := f.tracker.PeriodTotal(ctx, "card-1", domain.CapBasisSpend, domain.PeriodCalendar, asOf, 1)
		return err == nil && total == 150
	})
}

func TestWorkerStats(t *testing.T) {
	f := newFixture(t)

	stats := f.worker.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}
}
