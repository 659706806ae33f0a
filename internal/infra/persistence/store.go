// Package persistence defines how finished batches are stored.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Snapshot is one stored batch. A later batch for the same instrument, date and job
// replaces the earlier one.
type Snapshot struct {
	Instrument string
	BatchDate  time.Time
	Job        string
	BatchID    uuid.UUID
	// Payload is the JSON document describing the whole batch.
	Payload []byte
	Rows    []Row
}

// Row is one entity of a batch.
type Row struct {
	EntityKey     string
	CorrelationID int64
	State         string
	Payload       []byte
}

// SnapshotStore persists batches.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LoadSnapshot(ctx context.Context, instrument, job string, date time.Time) (Snapshot, error)
}

// BatchDate truncates t to the UTC calendar day used as the snapshot key.
func BatchDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
