package batch

import (
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/sigma/internal/infra/persistence"
)

// Sink receives finished reports.
type Sink interface {
	Name() string
	Write(ctx context.Context, report Report) error
}

// JSONSink writes each report as an indented JSON document.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONSink writes to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

// Name implements Sink.
func (s *JSONSink) Name() string { return "json" }

// Write implements Sink.
func (s *JSONSink) Write(ctx context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	enc.SetIndent("", "  ")
	if err := enc.EncodeContext(ctx, report); err != nil {
		return fmt.Errorf("json sink: %w", err)
	}
	return nil
}

// StoreSink saves reports as snapshots: one document per instrument, day and job plus
// one row per entity.
type StoreSink struct {
	store persistence.SnapshotStore
}

// NewStoreSink wraps a snapshot store.
func NewStoreSink(store persistence.SnapshotStore) *StoreSink {
	return &StoreSink{store: store}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "store" }

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, report Report) error {
	snapshot, err := ToSnapshot(report)
	if err != nil {
		return err
	}
	if err := s.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("store sink: %w", err)
	}
	return nil
}

// snapshotDocument is the stored batch payload: the report without its rows, which are
// stored individually.
type snapshotDocument struct {
	BatchID  string        `json:"batchId"`
	Job      string        `json:"job"`
	Label    string        `json:"label"`
	Started  string        `json:"started"`
	Finished string        `json:"finished"`
	Stages   []StageReport `json:"stages"`
}

// ToSnapshot converts a report into its storage form.
func ToSnapshot(report Report) (persistence.Snapshot, error) {
	doc := snapshotDocument{
		BatchID:  report.BatchID.String(),
		Job:      report.Job,
		Label:    report.Name,
		Started:  report.Started.UTC().Format(timeLayout),
		Finished: report.Finished.UTC().Format(timeLayout),
		Stages:   make([]StageReport, len(report.Stages)),
	}
	snapshot := persistence.Snapshot{
		Instrument: report.Name,
		BatchDate:  persistence.BatchDate(report.Started),
		Job:        report.Job,
		BatchID:    report.BatchID,
	}
	for i, st := range report.Stages {
		st.Rows = nil
		doc.Stages[i] = st
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return persistence.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	snapshot.Payload = payload

	for _, row := range report.Rows() {
		rowPayload, err := json.Marshal(row)
		if err != nil {
			return persistence.Snapshot{}, fmt.Errorf("encode row %d: %w", row.ID, err)
		}
		snapshot.Rows = append(snapshot.Rows, persistence.Row{
			EntityKey:     row.Key,
			CorrelationID: row.ID,
			State:         row.State,
			Payload:       rowPayload,
		})
	}
	return snapshot, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
