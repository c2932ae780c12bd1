// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/open-rewards/talon/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule inserts a reward rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RewardRule) error {
	if rule.ID == "" || rule.ProductID == "" {
		return fmt.Errorf("%w: rule id and product id are required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return &domain.PersistenceError{Op: "encode conditions", Err: err}
	}
	config, err := json.Marshal(rule.Config)
	if err != nil {
		return &domain.PersistenceError{Op: "encode config", Err: err}
	}

	query := `
		INSERT INTO reward_rules (
			id, product_id, name, description, enabled, priority,
			conditions, config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.ProductID, rule.Name, rule.Description,
		boolToInt(rule.Enabled), rule.Priority,
		string(conditions), string(config),
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "save rule", Err: err}
	}
	return nil
}

// UpdateRule replaces a rule record in full. A write that affects zero
// rows is a persistence error, never a silent no-op.
func (r *SQLRepository) UpdateRule(ctx context.Context, rule *domain.RewardRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return &domain.PersistenceError{Op: "encode conditions", Err: err}
	}
	config, err := json.Marshal(rule.Config)
	if err != nil {
		return &domain.PersistenceError{Op: "encode config", Err: err}
	}

	query := `
		UPDATE reward_rules
		SET product_id = ?, name = ?, description = ?, enabled = ?,
			priority = ?, conditions = ?, config = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ProductID, rule.Name, rule.Description,
		boolToInt(rule.Enabled), rule.Priority,
		string(conditions), string(config),
		rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "update rule", Err: err}
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return &domain.PersistenceError{Op: "update rule", Err: err}
	}
	if rows == 0 {
		return &domain.PersistenceError{Op: "update rule", Err: ErrNotFound}
	}
	return nil
}

// DeleteRule removes a rule. Zero-row deletion is a persistence error.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM reward_rules WHERE id = ?`), ruleID)
	if err != nil {
		return &domain.PersistenceError{Op: "delete rule", Err: err}
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return &domain.PersistenceError{Op: "delete rule", Err: err}
	}
	if rows == 0 {
		return &domain.PersistenceError{Op: "delete rule", Err: ErrNotFound}
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.RewardRule, error) {
	query := `
		SELECT id, product_id, name, description, enabled, priority,
			   conditions, config, created_at, updated_at
		FROM reward_rules
		WHERE id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRulesByProduct retrieves every rule for a product, in priority
// order with insertion order preserved on ties.
func (r *SQLRepository) ListRulesByProduct(ctx context.Context, productID string) ([]*domain.RewardRule, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, product_id, name, description, enabled, priority,
			   conditions, config, created_at, updated_at
		FROM reward_rules
		WHERE product_id = ?
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RewardRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RewardRule, error) {
	var rule domain.RewardRule
	var conditions, config string
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.ProductID, &rule.Name, &rule.Description,
		&enabled, &rule.Priority,
		&conditions, &config,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse rule conditions for %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(config), &rule.Config); err != nil {
		return nil, fmt.Errorf("failed to parse rule config for %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// SaveProduct upserts a card product.
func (r *SQLRepository) SaveProduct(ctx context.Context, product *domain.CardProduct) error {
	if product.ID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO card_products (
			id, name, network, evaluation_mode, statement_anchor_day,
			points_currency, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			network = excluded.network,
			evaluation_mode = excluded.evaluation_mode,
			statement_anchor_day = excluded.statement_anchor_day,
			points_currency = excluded.points_currency,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		product.ID, product.Name, product.Network,
		string(product.EvaluationMode), product.StatementAnchorDay,
		product.PointsCurrency, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "save product", Err: err}
	}
	return nil
}

// GetProduct retrieves a card product by ID.
func (r *SQLRepository) GetProduct(ctx context.Context, productID string) (*domain.CardProduct, error) {
	query := `
		SELECT id, name, network, evaluation_mode, statement_anchor_day,
			   points_currency, created_at, updated_at
		FROM card_products
		WHERE id = ?
	`

	var p domain.CardProduct
	var mode string

	err := r.db.QueryRowContext(ctx, r.rebind(query), productID).Scan(
		&p.ID, &p.Name, &p.Network, &mode, &p.StatementAnchorDay,
		&p.PointsCurrency, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.EvaluationMode = domain.EvaluationMode(mode)
	return &p, nil
}

// SaveTransaction stores a recorded transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.InstrumentID == "" {
		return fmt.Errorf("%w: transaction id and instrument id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, instrument_id, product_id, amount, currency,
			settlement_amount, settlement_currency, mcc, merchant_name,
			category, is_online, is_contactless, bonus_points,
			timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.InstrumentID, tx.ProductID, tx.Amount, tx.Currency,
		tx.SettlementAmount, tx.SettlementCurrency, tx.MCC, tx.MerchantName,
		tx.Category, boolToInt(tx.IsOnline), boolToInt(tx.IsContactless),
		tx.BonusPoints, tx.Timestamp, tx.CreatedAt,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "save transaction", Err: err}
	}
	return nil
}

// GetTransaction retrieves a recorded transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, instrument_id, product_id, amount, currency,
			   settlement_amount, settlement_currency, mcc, merchant_name,
			   category, is_online, is_contactless, bonus_points,
			   timestamp, created_at
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var settlementAmount sql.NullFloat64
	var settlementCurrency, mcc, merchant, category sql.NullString
	var isOnline, isContactless int

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.InstrumentID, &tx.ProductID, &tx.Amount, &tx.Currency,
		&settlementAmount, &settlementCurrency, &mcc, &merchant,
		&category, &isOnline, &isContactless, &tx.BonusPoints,
		&tx.Timestamp, &tx.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if settlementAmount.Valid {
		v := settlementAmount.Float64
		tx.SettlementAmount = &v
	}
	tx.SettlementCurrency = settlementCurrency.String
	tx.MCC = mcc.String
	tx.MerchantName = merchant.String
	tx.Category = category.String
	tx.IsOnline = isOnline == 1
	tx.IsContactless = isContactless == 1

	return &tx, nil
}

// SumSpendByInstrument totals recorded spend in [from, to). Settlement
// amounts take priority over presentment amounts, matching the
// calculator's effective-amount rule.
func (r *SQLRepository) SumSpendByInstrument(ctx context.Context, instrumentID string, from, to time.Time) (float64, error) {
	if instrumentID == "" {
		return 0, fmt.Errorf("%w: instrument id is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(SUM(COALESCE(settlement_amount, amount)), 0)
		FROM transactions
		WHERE instrument_id = ?
		  AND timestamp >= ?
		  AND timestamp < ?
	`

	var total float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), instrumentID, from, to).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// SumBonusPointsByInstrument totals bonus points attributed in [from, to).
func (r *SQLRepository) SumBonusPointsByInstrument(ctx context.Context, instrumentID string, from, to time.Time) (int64, error) {
	if instrumentID == "" {
		return 0, fmt.Errorf("%w: instrument id is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(SUM(bonus_points), 0)
		FROM transactions
		WHERE instrument_id = ?
		  AND timestamp >= ?
		  AND timestamp < ?
	`

	var total int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), instrumentID, from, to).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
