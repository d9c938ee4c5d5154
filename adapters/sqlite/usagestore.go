package sqlite

import (
	"context"
	"time"

	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// AppendBatch stores records in one transaction. Duplicate IDs are skipped,
// which is what makes at-least-once delivery from the recorder safe.
func (s *UsageStore) AppendBatch(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			id, identity, tier, category, timestamp, duration_ms,
			tokens_in, tokens_out, compute_units, storage_bytes, success
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.ID, r.Identity, string(r.Tier), r.Category, r.Timestamp.UTC(),
			r.Duration.Milliseconds(), r.TokensIn, r.TokensOut,
			r.ComputeUnits, r.StorageBytes, boolToInt(r.Success),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRecent returns the newest records for an identity.
func (s *UsageStore) ListRecent(ctx context.Context, identity string, limit int) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, tier, category, timestamp, duration_ms,
		       tokens_in, tokens_out, compute_units, storage_bytes, success
		FROM usage_records
		WHERE identity = ?
		ORDER BY seq DESC
		LIMIT ?
	`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PurgeBefore removes records older than cutoff.
func (s *UsageStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (usage.Record, error) {
	var (
		r          usage.Record
		tierName   string
		durationMs int64
		success    int
	)
	err := row.Scan(
		&r.ID, &r.Identity, &tierName, &r.Category, &r.Timestamp, &durationMs,
		&r.TokensIn, &r.TokensOut, &r.ComputeUnits, &r.StorageBytes, &success,
	)
	if err != nil {
		return usage.Record{}, err
	}
	r.Tier = tier.Tier(tierName)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.Success = success != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
