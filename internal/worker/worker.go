// Package worker keeps caches coherent across instances by consuming
// invalidation events from the bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/rulestore"
	"github.com/open-rewards/talon/internal/spend"
)

// Worker subscribes to change topics and invalidates the local rule
// and spend caches. In a single-process deployment the publisher has
// already invalidated its own caches, so the worker is a no-op safety
// net; in a cluster it is what keeps the other nodes fresh.
type Worker struct {
	bus     domain.EventBus
	store   *rulestore.Store
	tracker *spend.Tracker

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an invalidation worker.
func NewWorker(bus domain.EventBus, store *rulestore.Store, tracker *spend.Tracker) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		store:   store,
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the invalidation topics.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionRecorded, w.handleTransactionRecorded)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	sub, err = w.bus.Subscribe(w.ctx, domain.TopicRuleChanged, w.handleRuleChanged)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("invalidation worker started",
		"topics", []string{domain.TopicTransactionRecorded, domain.TopicRuleChanged},
	)

	return nil
}

// handleTransactionRecorded clears the instrument's entire spend cache.
// Invalidation is coarse on purpose: period totals for every window the
// instrument participates in are stale once a new transaction lands.
func (w *Worker) handleTransactionRecorded(ctx context.Context, msg *domain.Message) error {
	var evt domain.TransactionRecordedEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		slog.Error("failed to parse transaction event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if evt.InstrumentID == "" {
		return nil
	}

	if err := w.tracker.Invalidate(ctx, evt.InstrumentID); err != nil {
		slog.Warn("spend cache invalidation failed",
			"instrument_id", evt.InstrumentID,
			"error", err,
		)
	}

	slog.Debug("spend cache invalidated",
		"instrument_id", evt.InstrumentID,
		"transaction_id", evt.TransactionID,
	)

	return nil
}

// handleRuleChanged clears the affected product's rule cache, or the
// whole rule cache when the event carries no product (deletions).
func (w *Worker) handleRuleChanged(ctx context.Context, msg *domain.Message) error {
	var evt domain.RuleChangedEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		slog.Error("failed to parse rule change event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if evt.ProductID != "" {
		w.store.InvalidateProduct(ctx, evt.ProductID)
	} else {
		w.store.InvalidateAll(ctx)
	}

	slog.Debug("rule cache invalidated",
		"rule_id", evt.RuleID,
		"product_id", evt.ProductID,
		"action", evt.Action,
	)

	return nil
}

// Stop unsubscribes and halts the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("invalidation worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
