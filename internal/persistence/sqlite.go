// Package persistence caches verified token and pool metadata in SQLite so restarts can skip
// on-chain verification.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const chainIDKey = "chain_id"

// Store provides SQLite-based persistence for operational metadata.
type Store struct {
	db *sql.DB
}

// PoolRecord holds a pool's verified token assignment.
type PoolRecord struct {
	Address   string
	Token0    string
	Token1    string
	UpdatedAt time.Time
}

// TokenRecord holds a token's verified metadata.
type TokenRecord struct {
	Address   string
	Symbol    string
	Decimals  int32
	UpdatedAt time.Time
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pools (
			address TEXT PRIMARY KEY,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Debug().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BindChain ties the cache to chainID. Metadata cached for a different chain is discarded.
func (s *Store) BindChain(ctx context.Context, chainID int64) error {
	current, err := s.GetSystemState(ctx, chainIDKey)
	if err != nil {
		return fmt.Errorf("reading cached chain id: %w", err)
	}

	want := strconv.FormatInt(chainID, 10)
	if current == want {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if current != "" {
		log.Warn().Str("cached", current).Str("configured", want).Msg("Chain changed, clearing metadata cache")
		for _, table := range []string{"tokens", "pools"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		chainIDKey, want, time.Now()); err != nil {
		return fmt.Errorf("storing chain id: %w", err)
	}

	return tx.Commit()
}

// BulkUpsertTokens inserts or updates multiple token records.
func (s *Store) BulkUpsertTokens(ctx context.Context, tokens []TokenRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tokens (address, symbol, decimals, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			symbol = excluded.symbol,
			decimals = excluded.decimals,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, token := range tokens {
		if _, err := stmt.ExecContext(ctx, strings.ToLower(token.Address), token.Symbol, token.Decimals, now); err != nil {
			return fmt.Errorf("inserting token %s: %w", token.Address, err)
		}
	}

	return tx.Commit()
}

// BulkUpsertPools inserts or updates multiple pool records.
func (s *Store) BulkUpsertPools(ctx context.Context, pools []PoolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pools (address, token0, token1, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			token0 = excluded.token0,
			token1 = excluded.token1,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, pool := range pools {
		if _, err := stmt.ExecContext(ctx,
			strings.ToLower(pool.Address), strings.ToLower(pool.Token0), strings.ToLower(pool.Token1), now); err != nil {
			return fmt.Errorf("inserting pool %s: %w", pool.Address, err)
		}
	}

	return tx.Commit()
}

// GetToken retrieves a token by address. It returns nil when the token is not cached.
func (s *Store) GetToken(ctx context.Context, address string) (*TokenRecord, error) {
	query := `SELECT address, symbol, decimals, updated_at FROM tokens WHERE address = ?`

	var t TokenRecord
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(address)).Scan(&t.Address, &t.Symbol, &t.Decimals, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetPool retrieves a pool by address. It returns nil when the pool is not cached.
func (s *Store) GetPool(ctx context.Context, address string) (*PoolRecord, error) {
	query := `SELECT address, token0, token1, updated_at FROM pools WHERE address = ?`

	var p PoolRecord
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(address)).Scan(&p.Address, &p.Token0, &p.Token1, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetSystemState retrieves a value from system state, or "" when unset.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
