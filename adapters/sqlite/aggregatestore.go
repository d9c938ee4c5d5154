package sqlite

import (
	"context"
	"time"

	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

const dayFormat = "2006-01-02"

// AggregateStore implements ports.AggregateStore using SQLite.
type AggregateStore struct {
	db *DB
}

// NewAggregateStore creates a new SQLite aggregate store.
func NewAggregateStore(db *DB) *AggregateStore {
	return &AggregateStore{db: db}
}

// ApplyDeltas merges aggregate deltas and advances the checkpoint in a
// single transaction, guarded by a compare-and-swap on the stored
// checkpoint. A rollup that lost the race against a concurrent rollup gets
// ErrAggregationConflict and nothing is applied; partial application is
// impossible.
func (s *AggregateStore) ApplyDeltas(ctx context.Context, deltas map[usage.Key]usage.DailyAggregate, oldCheckpoint, newCheckpoint int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_aggregates (
			identity, day, category, request_count, success_count, error_count,
			duration_ms, tokens, compute_units, storage_bytes, reconciled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, day, category) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			success_count = success_count + excluded.success_count,
			error_count   = error_count + excluded.error_count,
			duration_ms   = duration_ms + excluded.duration_ms,
			tokens        = tokens + excluded.tokens,
			compute_units = compute_units + excluded.compute_units,
			storage_bytes = storage_bytes + excluded.storage_bytes,
			reconciled    = MAX(reconciled, excluded.reconciled)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, d := range deltas {
		_, err := stmt.ExecContext(ctx,
			k.Identity, k.Day.UTC().Format(dayFormat), k.Category,
			d.RequestCount, d.SuccessCount, d.ErrorCount,
			d.DurationTotal.Milliseconds(), d.Tokens, d.ComputeUnits,
			d.StorageBytes, boolToInt(d.Reconciled),
		)
		if err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rollup_state SET checkpoint = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1 AND checkpoint = ?
	`, newCheckpoint, oldCheckpoint)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ports.ErrAggregationConflict
	}

	return tx.Commit()
}

// Checkpoint returns the current rollup checkpoint.
func (s *AggregateStore) Checkpoint(ctx context.Context) (int64, error) {
	var cp int64
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM rollup_state WHERE id = 1`).Scan(&cp)
	if err != nil {
		return 0, err
	}
	return cp, nil
}

// PendingRecords returns records with seq > checkpoint in insertion order,
// along with the checkpoint value that covers them.
func (s *AggregateStore) PendingRecords(ctx context.Context, checkpoint int64, limit int) ([]usage.Record, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, identity, tier, category, timestamp, duration_ms,
		       tokens_in, tokens_out, compute_units, storage_bytes, success
		FROM usage_records
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, checkpoint, limit)
	if err != nil {
		return nil, checkpoint, err
	}
	defer rows.Close()

	var (
		records []usage.Record
		lastSeq = checkpoint
	)
	for rows.Next() {
		var seq int64
		r, err := scanSeqRecord(rows, &seq)
		if err != nil {
			return nil, checkpoint, err
		}
		records = append(records, r)
		lastSeq = seq
	}
	return records, lastSeq, rows.Err()
}

// Range returns aggregates for an identity between two days inclusive.
func (s *AggregateStore) Range(ctx context.Context, identity string, from, to time.Time) ([]usage.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, day, category, request_count, success_count, error_count,
		       duration_ms, tokens, compute_units, storage_bytes, reconciled
		FROM daily_aggregates
		WHERE identity = ? AND day >= ? AND day <= ?
		ORDER BY day ASC, category ASC
	`, identity, from.UTC().Format(dayFormat), to.UTC().Format(dayFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []usage.DailyAggregate
	for rows.Next() {
		var (
			a          usage.DailyAggregate
			day        string
			durationMs int64
			reconciled int
		)
		err := rows.Scan(
			&a.Identity, &day, &a.Category, &a.RequestCount, &a.SuccessCount,
			&a.ErrorCount, &durationMs, &a.Tokens, &a.ComputeUnits,
			&a.StorageBytes, &reconciled,
		)
		if err != nil {
			return nil, err
		}
		a.Day, err = time.ParseInLocation(dayFormat, day, time.UTC)
		if err != nil {
			return nil, err
		}
		a.DurationTotal = time.Duration(durationMs) * time.Millisecond
		a.Reconciled = reconciled != 0
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// PurgeBefore removes aggregates for days older than cutoff.
func (s *AggregateStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM daily_aggregates WHERE day < ?`, cutoff.UTC().Format(dayFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSeqRecord(row rowScanner, seq *int64) (usage.Record, error) {
	var (
		r          usage.Record
		tierName   string
		durationMs int64
		success    int
	)
	err := row.Scan(
		seq, &r.ID, &r.Identity, &tierName, &r.Category, &r.Timestamp, &durationMs,
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

// Ensure interface compliance.
var _ ports.AggregateStore = (*AggregateStore)(nil)
