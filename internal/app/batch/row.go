package batch

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/sigma/internal/app/completion"
	"github.com/coachpo/sigma/internal/app/dispatch"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/domain/entity"
)

// Row is one entity of a finished stage, flattened for export.
type Row struct {
	ID      int64             `json:"id"`
	Key     string            `json:"key"`
	Label   string            `json:"label"`
	Kind    string            `json:"kind,omitempty"`
	State   string            `json:"state"`
	Coords  map[string]string `json:"coords"`
	Values  map[string]string `json:"values,omitempty"`
	Derived map[string]string `json:"derived,omitempty"`
	Warning string            `json:"warning,omitempty"`
	Error   string            `json:"error,omitempty"`
	Updated time.Time         `json:"updated"`
}

// StageReport summarises one stage.
type StageReport struct {
	Name       string            `json:"name"`
	Dispatch   dispatch.Summary  `json:"dispatch"`
	Reason     completion.Reason `json:"reason"`
	Polls      int               `json:"polls"`
	Elapsed    time.Duration     `json:"elapsedNs"`
	Complete   int               `json:"complete"`
	Incomplete int               `json:"incomplete"`
	Errored    int               `json:"errored"`
	Rows       []Row             `json:"rows"`
}

// Report is everything a job produced.
type Report struct {
	BatchID    uuid.UUID         `json:"batchId"`
	Job        string            `json:"job"`
	Instrument entity.Instrument `json:"instrument"`
	Name       string            `json:"name"`
	Started    time.Time         `json:"started"`
	Finished   time.Time         `json:"finished"`
	Stages     []StageReport     `json:"stages"`
}

// Rows returns every stage's rows in stage order.
func (r Report) Rows() []Row {
	var out []Row
	for _, st := range r.Stages {
		out = append(out, st.Rows...)
	}
	return out
}

// Counts totals the partition sizes over all stages.
func (r Report) Counts() (complete, incomplete, errored int) {
	for _, st := range r.Stages {
		complete += st.Complete
		incomplete += st.Incomplete
		errored += st.Errored
	}
	return complete, incomplete, errored
}

func project(stage Stage, rec correlation.Record) Row {
	row := Row{
		ID:      rec.ID,
		Key:     rec.Descriptor.Key(),
		Kind:    rec.Descriptor.Kind,
		State:   rec.State.String(),
		Coords:  make(map[string]string, len(rec.Descriptor.Coords)),
		Updated: rec.Updated,
	}
	if stage.Label != nil {
		row.Label = stage.Label(rec.Descriptor)
	} else {
		row.Label = rec.Descriptor.Key()
	}
	for _, c := range rec.Descriptor.Coords {
		row.Coords[c.Name] = c.Value
	}
	for _, name := range rec.Fields.Names() {
		value, _ := rec.Fields.Value(name)
		switch {
		case name == session.WarningField:
			row.Warning = value
		case strings.HasPrefix(name, "_"):
			// markers such as _end stay out of exported values
		default:
			if row.Values == nil {
				row.Values = make(map[string]string)
			}
			row.Values[name] = value
		}
	}
	if stage.Derive != nil {
		row.Derived = stage.Derive(rec.Fields)
	}
	if rec.Err != nil {
		row.Error = rec.Err.Error()
	}
	return row
}

func projectResult(stage Stage, res completion.Result) []Row {
	rows := make([]Row, 0, res.Total())
	for _, group := range [][]correlation.Record{res.Complete, res.Incomplete, res.Errored} {
		for _, rec := range group {
			rows = append(rows, project(stage, rec))
		}
	}
	sortRows(rows)
	return rows
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}
