package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"entitlements-api/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLiteStore implements Store using SQLite.
// Thread-safe with WAL mode for high-concurrency reads.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite-backed store.
// dbPath is the path to the SQLite database file (e.g., "./data/entitlements.db")
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createSQLiteTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[SQLiteStore] Initialized with database: %s", dbPath)
	return &SQLiteStore{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS entitlement_records (
		identity TEXT PRIMARY KEY,
		platform TEXT NOT NULL DEFAULT '',
		is_premium INTEGER NOT NULL DEFAULT 0,
		product_id TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		original_transaction_id TEXT NOT NULL DEFAULT '',
		expires_date DATETIME,
		source TEXT NOT NULL DEFAULT '',
		install_id TEXT NOT NULL DEFAULT '',
		raw TEXT,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions_seen (
		ref TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		seen_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_txn_expires ON transactions_seen(expires_at);
	CREATE TABLE IF NOT EXISTS idempotency_entries (
		idem_key TEXT PRIMARY KEY,
		response BLOB NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idem_expires ON idempotency_entries(expires_at);
	CREATE TABLE IF NOT EXISTS risk_velocity (
		install_id TEXT NOT NULL,
		observed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_velocity_install ON risk_velocity(install_id, observed_at);
	`
	_, err := db.Exec(query)
	return err
}

// GetRecord returns the record for an identity, or nil if none exists.
func (s *SQLiteStore) GetRecord(ctx context.Context, identity string) (*model.EntitlementRecord, error) {
	query := `SELECT identity, platform, is_premium, product_id, transaction_id,
		original_transaction_id, expires_date, source, install_id, raw, updated_at
		FROM entitlement_records WHERE identity = ?`

	return scanRecord(s.db.QueryRowContext(ctx, query, identity))
}

// UpsertRecord merges the patch onto the existing record under the store lock.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, identity string, patch model.RecordPatch) (*model.EntitlementRecord, error) {
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
		ON CONFLICT(identity) DO UPDATE SET
			platform = excluded.platform,
			is_premium = excluded.is_premium,
			product_id = excluded.product_id,
			transaction_id = excluded.transaction_id,
			original_transaction_id = excluded.original_transaction_id,
			expires_date = excluded.expires_date,
			source = excluded.source,
			install_id = excluded.install_id,
			raw = excluded.raw,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query, rec.Identity, rec.Platform, rec.IsPremium,
		rec.ProductID, rec.TransactionID, rec.OriginalTransactionID, rec.ExpiresDate,
		string(rec.Source), rec.InstallID, nullableRaw(rec.Raw), rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record: %w", err)
	}
	return rec, nil
}

// ClaimTransaction inserts the ownership row only when no live entry exists.
func (s *SQLiteStore) ClaimTransaction(ctx context.Context, ref, identity string, ttl time.Duration) (*model.TransactionSeen, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Expired entries give up ownership.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions_seen WHERE ref = ? AND expires_at <= ?`, ref, now); err != nil {
		return nil, false, fmt.Errorf("failed to expire transaction entry: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions_seen (ref, identity, seen_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(ref) DO NOTHING`,
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
func (s *SQLiteStore) GetTransactionSeen(ctx context.Context, ref string) (*model.TransactionSeen, error) {
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
func (s *SQLiteStore) GetIdempotent(ctx context.Context, key string) ([]byte, error) {
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
func (s *SQLiteStore) PutIdempotent(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_entries (idem_key, response, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(idem_key) DO UPDATE SET
			response = excluded.response,
			expires_at = excluded.expires_at`,
		key, response, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// IncrVelocity records a scoring invocation and counts the sliding window.
func (s *SQLiteStore) IncrVelocity(ctx context.Context, installID string, window time.Duration) (int, error) {
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

// PruneExpired removes expired TTL rows. Run periodically by the prune scheduler.
func (s *SQLiteStore) PruneExpired(ctx context.Context) (int64, error) {
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner lets scanRecord work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.EntitlementRecord, error) {
	var rec model.EntitlementRecord
	var source string
	var expires sql.NullTime
	var raw sql.NullString

	err := row.Scan(&rec.Identity, &rec.Platform, &rec.IsPremium, &rec.ProductID,
		&rec.TransactionID, &rec.OriginalTransactionID, &expires, &source,
		&rec.InstallID, &raw, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Source = model.Source(source)
	if expires.Valid {
		t := expires.Time
		rec.ExpiresDate = &t
	}
	if raw.Valid && raw.String != "" {
		rec.Raw = json.RawMessage(raw.String)
	}
	return &rec, nil
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Ensure SQLiteStore implements Store and Pruner
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Pruner = (*SQLiteStore)(nil)
)
