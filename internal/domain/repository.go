// Package domain defines the core interfaces and types for Talon.
package domain

import (
	"context"
	"time"
)

// Repository defines the persistence interface for rules, card products,
// and recorded transactions.
type Repository interface {
	// Reward rule operations. Update and Delete must report zero affected
	// rows as an error, never a silent no-op.
	SaveRule(ctx context.Context, rule *RewardRule) error
	UpdateRule(ctx context.Context, rule *RewardRule) error
	DeleteRule(ctx context.Context, ruleID string) error
	GetRule(ctx context.Context, ruleID string) (*RewardRule, error)
	ListRulesByProduct(ctx context.Context, productID string) ([]*RewardRule, error)

	// Card product operations.
	SaveProduct(ctx context.Context, product *CardProduct) error
	GetProduct(ctx context.Context, productID string) (*CardProduct, error)

	// Recorded transactions, the spend tracker's data source.
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	SumSpendByInstrument(ctx context.Context, instrumentID string, from, to time.Time) (float64, error)
	SumBonusPointsByInstrument(ctx context.Context, instrumentID string, from, to time.Time) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
