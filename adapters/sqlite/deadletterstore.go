package sqlite

import (
	"context"
	"encoding/json"

	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// DeadLetterStore implements ports.DeadLetterStore using SQLite. Records
// land here only after the recorder exhausts its retries; an operator
// reconciles them back into usage_records by hand.
type DeadLetterStore struct {
	db *DB
}

// NewDeadLetterStore creates a new SQLite dead letter store.
func NewDeadLetterStore(db *DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Stash saves failed records with their terminal error.
func (s *DeadLetterStore) Stash(ctx context.Context, records []usage.Record, cause string) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dead_letters (record_id, payload, cause) VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.ID, string(payload), cause); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Count returns the number of stashed records.
func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

// Ensure interface compliance.
var _ ports.DeadLetterStore = (*DeadLetterStore)(nil)
