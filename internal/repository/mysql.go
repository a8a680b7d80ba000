package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"entitlements-api/internal/model"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements Store using MySQL for multi-instance deployments
// backed by a shared database. Ownership claims rely on the primary key on
// the transaction reference, so concurrent claimants across processes still
// resolve to a single first writer.
type MySQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewMySQLStore creates a new MySQL-backed store.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	if err := createMySQLTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Println("[MySQLStore] Initialized")
	return &MySQLStore{db: db}, nil
}

func createMySQLTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS entitlement_records (
			identity VARCHAR(191) PRIMARY KEY,
			platform VARCHAR(32) NOT NULL DEFAULT '',
			is_premium TINYINT(1) NOT NULL DEFAULT 0,
			product_id VARCHAR(191) NOT NULL DEFAULT '',
			transaction_id VARCHAR(191) NOT NULL DEFAULT '',
			original_transaction_id VARCHAR(191) NOT NULL DEFAULT '',
			expires_date DATETIME NULL,
			source VARCHAR(32) NOT NULL DEFAULT '',
			install_id VARCHAR(191) NOT NULL DEFAULT '',
			raw TEXT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions_seen (
			ref VARCHAR(191) PRIMARY KEY,
			identity VARCHAR(191) NOT NULL,
			seen_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			KEY idx_txn_expires (expires_at)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_entries (
			idem_key VARCHAR(191) PRIMARY KEY,
			response BLOB NOT NULL,
			expires_at DATETIME NOT NULL,
			KEY idx_idem_expires (expires_at)
		)`,
		`CREATE TABLE IF NOT EXISTS risk_velocity (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			install_id VARCHAR(191) NOT NULL,
			observed_at DATETIME NOT NULL,
			KEY idx_velocity_install (install_id, observed_at)
		)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// GetRecord returns the record for an identity, or nil if none exists.
func (s *MySQLStore) GetRecord(ctx context.Context, identity string) (*model.EntitlementRecord, error) {
	query := `SELECT identity, platform, is_premium, product_id, transaction_id,
		original_transaction_id, expires_date, source, install_id, raw, updated_at
		FROM entitlement_records WHERE identity = ?`

	return scanRecord(s.db.QueryRowContext(ctx, query, identity))
}

// UpsertRecord merges the patch onto the existing record under the store lock.
// Cross-instance, upserts are last-write-wins per the concurrency model.
func (s *MySQLStore) UpsertRecord(ctx context.Context, identity string, patch model.RecordPatch) (*model.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetRecord(ctx, identity)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &model.EntitlementRecord{Identity: identity}
	}
	patch.Apply(rec)
	rec.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO entitlement_records (identity, platform, is_premium, product_id,
			transaction_id, original_transaction_id, expires_date, source, install_id, raw, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			platform = VALUES(platform),
			is_premium = VALUES(is_premium),
			product_id = VALUES(product_id),
			transaction_id = VALUES(transaction_id),
			original_transaction_id = VALUES(original_transaction_id),
			expires_date = VALUES(expires_date),
			source = VALUES(source),
			install_id = VALUES(install_id),
			raw = VALUES(raw),
			updated_at = VALUES(updated_at)`

	_, err = s.db.ExecContext(ctx, query, rec.Identity, rec.Platform, rec.IsPremium,
		rec.ProductID, rec.TransactionID, rec.OriginalTransactionID, rec.ExpiresDate,
		string(rec.Source), rec.InstallID, nullableRaw(rec.Raw), rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record: %w", err)
	}
	return rec, nil
}

// ClaimTransaction inserts the ownership row only when no live entry exists.
// INSERT IGNORE against the primary key makes the check-then-set atomic even
// across processes.
func (s *MySQLStore) ClaimTransaction(ctx context.Context, ref, identity string, ttl time.Duration) (*model.TransactionSeen, bool, error) {
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions_seen WHERE ref = ? AND expires_at <= ?`, ref, now); err != nil {
		return nil, false, fmt.Errorf("failed to expire transaction entry: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO transactions_seen (ref, identity, seen_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		ref, identity, now, now.Add(ttl))
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim transaction: %w", err)
	}

	inserted, _ := res.RowsAffected()

	var seen model.TransactionSeen
	err = s.db.QueryRowContext(ctx,
		`SELECT identity, seen_at FROM transactions_seen WHERE ref = ?`, ref).
		Scan(&seen.Identity, &seen.SeenAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read transaction owner: %w", err)
	}

	return &seen, inserted > 0, nil
}

// GetTransactionSeen returns the live ownership entry for a reference, or nil.
func (s *MySQLStore) GetTransactionSeen(ctx context.Context, ref string) (*model.TransactionSeen, error) {
	var seen model.TransactionSeen
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, seen_at FROM transactions_seen WHERE ref = ? AND expires_at > ?`,
		ref, time.Now().UTC()).
		Scan(&seen.Identity, &seen.SeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction entry: %w", err)
	}
	return &seen, nil
}

// GetIdempotent returns a cached terminal response or ErrNotFound.
func (s *MySQLStore) GetIdempotent(ctx context.Context, key string) ([]byte, error) {
	var response []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_entries WHERE idem_key = ? AND expires_at > ?`,
		key, time.Now().UTC()).
		Scan(&response)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency entry: %w", err)
	}
	return response, nil
}

// PutIdempotent stores a terminal response for replay.
func (s *MySQLStore) PutIdempotent(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_entries (idem_key, response, expires_at)
		 VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			response = VALUES(response),
			expires_at = VALUES(expires_at)`,
		key, response, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// IncrVelocity records a scoring invocation and counts the sliding window.
func (s *MySQLStore) IncrVelocity(ctx context.Context, installID string, window time.Duration) (int, error) {
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_velocity (install_id, observed_at) VALUES (?, ?)`,
		installID, now); err != nil {
		return 0, fmt.Errorf("failed to record velocity: %w", err)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_velocity WHERE install_id = ? AND observed_at > ?`,
		installID, now.Add(-window)).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count velocity: %w", err)
	}
	return count, nil
}

// PruneExpired removes expired TTL rows.
func (s *MySQLStore) PruneExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var total int64

	for _, q := range []string{
		`DELETE FROM transactions_seen WHERE expires_at <= ?`,
		`DELETE FROM idempotency_entries WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("failed to prune expired rows: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM risk_velocity WHERE observed_at <= ?`, now.Add(-24*time.Hour))
	if err != nil {
		return total, fmt.Errorf("failed to prune velocity rows: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	return total, nil
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Ensure MySQLStore implements Store and Pruner
var (
	_ Store  = (*MySQLStore)(nil)
	_ Pruner = (*MySQLStore)(nil)
)
