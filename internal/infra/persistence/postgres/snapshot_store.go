package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/infra/persistence"
)

// SnapshotStore persists batches in the snapshots and snapshot_rows tables.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ persistence.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore constructs a SnapshotStore backed by the provided pgx pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const (
	snapshotUpsertSQL = `
INSERT INTO snapshots (
    instrument,
    batch_date,
    job,
    batch_id,
    payload,
    row_count,
    updated_at
)
VALUES ($1, $2, $3, $4::uuid, $5::jsonb, $6, NOW())
ON CONFLICT (instrument, batch_date, job) DO UPDATE SET
    batch_id = EXCLUDED.batch_id,
    payload = EXCLUDED.payload,
    row_count = EXCLUDED.row_count,
    updated_at = NOW()
RETURNING id;
`
	snapshotRowsDeleteSQL = `DELETE FROM snapshot_rows WHERE snapshot_id = $1;`
	snapshotSelectSQL     = `
SELECT id, batch_id::text, payload
FROM snapshots
WHERE instrument = $1 AND batch_date = $2 AND job = $3;
`
	snapshotRowsSelectSQL = `
SELECT entity_key, correlation_id, state, payload
FROM snapshot_rows
WHERE snapshot_id = $1
ORDER BY correlation_id, entity_key;
`
)

var snapshotRowColumns = []string{"snapshot_id", "entity_key", "correlation_id", "state", "payload"}

// SaveSnapshot upserts the snapshot keyed by instrument, batch date and job and replaces
// its rows in one transaction.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot persistence.Snapshot) error {
	if s.pool == nil {
		return fmt.Errorf("snapshot store: nil pool")
	}
	instrument := strings.TrimSpace(snapshot.Instrument)
	job := strings.TrimSpace(snapshot.Job)
	if instrument == "" || job == "" {
		return fmt.Errorf("snapshot store: instrument and job required")
	}
	if snapshot.BatchID == uuid.Nil {
		return fmt.Errorf("snapshot store: batch id required")
	}
	payload := snapshot.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("snapshot store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if err := tx.QueryRow(ctx, snapshotUpsertSQL,
		instrument,
		persistence.BatchDate(snapshot.BatchDate),
		job,
		snapshot.BatchID.String(),
		string(payload),
		len(snapshot.Rows),
	).Scan(&id); err != nil {
		return fmt.Errorf("snapshot store: upsert %s/%s: %w", instrument, job, err)
	}

	if _, err := tx.Exec(ctx, snapshotRowsDeleteSQL, id); err != nil {
		return fmt.Errorf("snapshot store: clear rows: %w", err)
	}

	if len(snapshot.Rows) > 0 {
		rows := make([][]any, 0, len(snapshot.Rows))
		for _, row := range snapshot.Rows {
			rowPayload := row.Payload
			if len(rowPayload) == 0 {
				rowPayload = []byte("{}")
			}
			rows = append(rows, []any{id, row.EntityKey, row.CorrelationID, row.State, string(rowPayload)})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"snapshot_rows"}, snapshotRowColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("snapshot store: copy rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("snapshot store: commit: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot and its rows ordered by correlation id.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, instrument, job string, date time.Time) (persistence.Snapshot, error) {
	if s.pool == nil {
		return persistence.Snapshot{}, fmt.Errorf("snapshot store: nil pool")
	}
	out := persistence.Snapshot{
		Instrument: strings.TrimSpace(instrument),
		Job:        strings.TrimSpace(job),
		BatchDate:  persistence.BatchDate(date),
	}

	var (
		id      int64
		batchID string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, snapshotSelectSQL, out.Instrument, out.BatchDate, out.Job).Scan(&id, &batchID, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.Snapshot{}, errs.New("postgres/snapshot", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("no snapshot for %s/%s on %s", out.Instrument, out.Job, out.BatchDate.Format(time.DateOnly))),
				errs.WithCause(err))
		}
		return persistence.Snapshot{}, fmt.Errorf("snapshot store: load: %w", err)
	}
	parsed, err := uuid.Parse(batchID)
	if err != nil {
		return persistence.Snapshot{}, fmt.Errorf("snapshot store: batch id: %w", err)
	}
	out.BatchID = parsed
	out.Payload = payload

	rows, err := s.pool.Query(ctx, snapshotRowsSelectSQL, id)
	if err != nil {
		return persistence.Snapshot{}, fmt.Errorf("snapshot store: load rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row persistence.Row
		if err := rows.Scan(&row.EntityKey, &row.CorrelationID, &row.State, &row.Payload); err != nil {
			return persistence.Snapshot{}, fmt.Errorf("snapshot store: scan row: %w", err)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return persistence.Snapshot{}, fmt.Errorf("snapshot store: iterate rows: %w", err)
	}
	return out, nil
}
