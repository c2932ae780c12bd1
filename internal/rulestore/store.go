// Package rulestore provides cached CRUD access to reward rules,
// partitioned by card product.
package rulestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/open-rewards/talon/internal/auth"
	"github.com/open-rewards/talon/internal/condition"
	"github.com/open-rewards/talon/internal/domain"
)

const rulePrefix = "rules:product:"

// Store is the rule store: durable storage plus a TTL read cache keyed
// by card-product id. Reads populate the cache; every successful
// mutation invalidates it, so a cached read is never served after a
// write observed by the same process.
type Store struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator *condition.Evaluator
	ttl       time.Duration
}

// New creates a rule store. bus may be nil when no event publishing is
// wanted (tests, embedded use).
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, evaluator *condition.Evaluator, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		evaluator: evaluator,
		ttl:       ttl,
	}
}

// GetRulesForProduct returns the product's rules, cache-first. An empty
// rule set is a valid, cacheable result. Legacy condition shapes are
// normalized before rules leave the store.
func (s *Store) GetRulesForProduct(ctx context.Context, productID string) ([]*domain.RewardRule, error) {
	if productID == "" {
		return nil, domain.NewValidationError("productId", "is required")
	}

	key := rulePrefix + productID

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil && raw != nil {
			var rules []*domain.RewardRule
			if err := json.Unmarshal(raw, &rules); err == nil {
				return rules, nil
			}
			// Corrupt entry: fall through to the repository.
			_ = s.cache.Delete(ctx, key)
		}
	}

	rules, err := s.repo.ListRulesByProduct(ctx, productID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list rules", Err: err}
	}

	for _, rule := range rules {
		condition.NormalizeRule(rule)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(rules); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.ttl)
		}
	}

	return rules, nil
}

// GetRule returns a single rule by id, normalized.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*domain.RewardRule, error) {
	rule, err := s.repo.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	condition.NormalizeRule(rule)
	return rule, nil
}

// CreateRule validates and persists a new rule. Requires an
// authenticated caller; assigns a generated id and timestamps;
// invalidates the product's cache entry.
func (s *Store) CreateRule(ctx context.Context, rule *domain.RewardRule) (*domain.RewardRule, error) {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return nil, err
	}
	if err := s.validate(rule); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := *rule
	created.ID = uuid.NewString()
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.repo.SaveRule(ctx, &created); err != nil {
		return nil, err
	}

	s.invalidateProduct(ctx, created.ProductID)
	s.publishChange(ctx, created.ID, created.ProductID, "created")

	return &created, nil
}

// UpdateRule replaces a rule record in full. The persistence layer
// reports affected rows; zero rows propagates as a persistence error.
func (s *Store) UpdateRule(ctx context.Context, rule *domain.RewardRule) error {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return err
	}
	if rule.ID == "" {
		return domain.NewValidationError("id", "is required")
	}
	if err := s.validate(rule); err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return err
	}

	s.invalidateProduct(ctx, rule.ProductID)
	s.publishChange(ctx, rule.ID, rule.ProductID, "updated")
	return nil
}

// DeleteRule removes a rule. The id alone does not reveal the owning
// product, so the entire rule cache is invalidated.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return err
	}
	if ruleID == "" {
		return domain.NewValidationError("id", "is required")
	}

	if err := s.repo.DeleteRule(ctx, ruleID); err != nil {
		return err
	}

	s.InvalidateAll(ctx)
	s.publishChange(ctx, ruleID, "", "deleted")
	return nil
}

// InvalidateProduct drops the cached rule set for one product. Exposed
// for the bus-driven invalidation worker.
func (s *Store) InvalidateProduct(ctx context.Context, productID string) {
	s.invalidateProduct(ctx, productID)
}

// InvalidateAll drops every cached rule set.
func (s *Store) InvalidateAll(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePrefix(ctx, rulePrefix); err != nil {
		slog.Warn("rule cache invalidation failed", "error", err)
	}
}

func (s *Store) invalidateProduct(ctx context.Context, productID string) {
	if s.cache == nil || productID == "" {
		return
	}
	if err := s.cache.Delete(ctx, rulePrefix+productID); err != nil {
		slog.Warn("rule cache invalidation failed",
			"product_id", productID,
			"error", err,
		)
	}
}

func (s *Store) publishChange(ctx context.Context, ruleID, productID, action string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.RuleChangedEvent{
		RuleID:    ruleID,
		ProductID: productID,
		Action:    action,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicRuleChanged, payload); err != nil {
		slog.Warn("failed to publish rule change",
			"rule_id", ruleID,
			"action", action,
			"error", err,
		)
	}
}

func (s *Store) validate(rule *domain.RewardRule) error {
	if rule.Name == "" {
		return domain.NewValidationError("name", "is required")
	}
	if rule.ProductID == "" {
		return domain.NewValidationError("productId", "is required")
	}
	if rule.Priority < 0 {
		return domain.NewValidationError("priority", "must be non-negative")
	}
	if rule.Config.BlockSize < 0 {
		return domain.NewValidationError("config.blockSize", "must be non-negative")
	}

	switch rule.Config.CalculationMethod {
	case "", domain.MethodStandard, domain.MethodTiered, domain.MethodFlatRate, domain.MethodDirect:
	default:
		return domain.NewValidationError("config.calculationMethod", "unknown method")
	}

	switch rule.Config.PointsRounding {
	case "", domain.RoundFloor, domain.RoundCeiling, domain.RoundNearest:
	default:
		return domain.NewValidationError("config.pointsRounding", "unknown strategy")
	}

	switch rule.Config.AmountRounding {
	case "", domain.AmountRoundNone, domain.AmountRoundFloor, domain.AmountRoundCeiling,
		domain.AmountRoundNearest, domain.AmountRoundFloorToBlock:
	default:
		return domain.NewValidationError("config.amountRounding", "unknown strategy")
	}

	return s.validateConditions(rule.Conditions)
}

// validateConditions rejects expression leaves that do not compile, so
// bad expressions fail at write time, not calculation time.
func (s *Store) validateConditions(conditions []domain.RuleCondition) error {
	for i := range conditions {
		cond := &conditions[i]
		if cond.Type == domain.ConditionCompound {
			if err := s.validateConditions(cond.SubConditions); err != nil {
				return err
			}
			continue
		}
		if cond.Type == domain.ConditionExpression && s.evaluator != nil {
			if err := s.evaluator.ValidateExpression(cond.Expression); err != nil {
				return domain.NewValidationError("conditions.expression", err.Error())
			}
		}
	}
	return nil
}
