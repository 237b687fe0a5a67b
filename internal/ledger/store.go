// Package ledger provides durable storage for verified transaction records
// using SQLite. The ledger is append-only and deduplicated by transaction
// id; acknowledging a transaction back to the storefront is only safe after
// its record landed here.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/storesync/entitlements/pkg/entitlement"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	original_id     TEXT NOT NULL,
	product_id      TEXT NOT NULL,
	purchase_date   INTEGER NOT NULL,
	expiration_date INTEGER,
	revocation_date INTEGER,
	verified        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transactions_product ON transactions(product_id);
`

// Store is a SQLite-backed transaction ledger.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}

	log.Info().Str("path", path).Msg("transaction ledger opened")
	return &Store{db: db, path: path}, nil
}

// Append stores the record, reporting whether stored state changed. A
// duplicate id is ignored with one exception: a redelivery carrying a
// revocation updates the stored row's revocation date, since refunds arrive
// as updates to the original transaction.
func (s *Store) Append(r entitlement.TransactionRecord) (bool, error) {
	var expiration, revocation sql.NullInt64
	if r.ExpirationDate != nil {
		expiration = sql.NullInt64{Int64: r.ExpirationDate.Unix(), Valid: true}
	}
	if r.RevocationDate != nil {
		revocation = sql.NullInt64{Int64: r.RevocationDate.Unix(), Valid: true}
	}

	result, err := s.db.Exec(
		`INSERT INTO transactions (id, original_id, product_id, purchase_date, expiration_date, revocation_date, verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET revocation_date = excluded.revocation_date
		 WHERE excluded.revocation_date IS NOT NULL AND transactions.revocation_date IS NULL`,
		r.ID, r.OriginalID, r.ProductID, r.PurchaseDate.Unix(), expiration, revocation, boolToInt(r.Verified),
	)
	if err != nil {
		return false, fmt.Errorf("append transaction %s: %w", r.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append transaction %s: %w", r.ID, err)
	}
	return rows > 0, nil
}

// All returns every stored record ordered by purchase date, oldest first.
func (s *Store) All() ([]entitlement.TransactionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, original_id, product_id, purchase_date, expiration_date, revocation_date, verified
		 FROM transactions ORDER BY purchase_date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()

	var records []entitlement.TransactionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (entitlement.TransactionRecord, error) {
	var (
		r                      entitlement.TransactionRecord
		purchase               int64
		expiration, revocation sql.NullInt64
		verified               int
	)
	if err := rows.Scan(&r.ID, &r.OriginalID, &r.ProductID, &purchase, &expiration, &revocation, &verified); err != nil {
		return entitlement.TransactionRecord{}, fmt.Errorf("scan ledger row: %w", err)
	}
	r.PurchaseDate = unixTime(purchase)
	if expiration.Valid {
		t := unixTime(expiration.Int64)
		r.ExpirationDate = &t
	}
	if revocation.Valid {
		t := unixTime(revocation.Int64)
		r.RevocationDate = &t
	}
	r.Verified = verified != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
