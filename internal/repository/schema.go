package repository

// Schema definitions for the Talon database.
// Compatible with both SQLite and PostgreSQL.

const schemaCardProducts = `
CREATE TABLE IF NOT EXISTS card_products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    network TEXT,
    evaluation_mode TEXT NOT NULL DEFAULT 'first_match',
    statement_anchor_day INTEGER NOT NULL DEFAULT 1,
    points_currency TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRewardRules = `
CREATE TABLE IF NOT EXISTS reward_rules (
    id TEXT PRIMARY KEY,
    product_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    priority INTEGER NOT NULL DEFAULT 0,
    conditions TEXT NOT NULL,
    config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reward_rules_product ON reward_rules(product_id);
CREATE INDEX IF NOT EXISTS idx_reward_rules_enabled ON reward_rules(product_id, enabled);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    instrument_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    settlement_amount REAL,
    settlement_currency TEXT,
    mcc TEXT,
    merchant_name TEXT,
    category TEXT,
    is_online INTEGER NOT NULL DEFAULT 0,
    is_contactless INTEGER NOT NULL DEFAULT 0,
    bonus_points INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_instrument ON transactions(instrument_id);
CREATE INDEX IF NOT EXISTS idx_transactions_window ON transactions(instrument_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCardProducts,
		schemaRewardRules,
		schemaTransactions,
	}
}
