// Package correlation accumulates asynchronous per-entity replies of one collection batch.
package correlation

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/sigma/internal/domain/entity"
)

// State is the lifecycle stage of a record.
type State uint8

const (
	// StatePending means the request was registered and no data has arrived.
	StatePending State = iota
	// StatePartial means at least one field arrived but the completion predicate is not met.
	StatePartial
	// StateComplete means the completion predicate held on some update.
	StateComplete
	// StateErrored means the send failed or the broker rejected the request.
	StateErrored
	// StateIncomplete is assigned by finalisation to records that never became terminal.
	StateIncomplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	case StateIncomplete:
		return "incomplete"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether the state can no longer advance.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored || s == StateIncomplete
}

// Field is one received value. Seq orders arrivals within a table.
type Field struct {
	Value string    `json:"value"`
	At    time.Time `json:"at"`
	Seq   uint64    `json:"seq"`
}

// MarkerPrefix starts the names of bookkeeping fields such as end markers and broker
// warnings. Markers are stored but never advance a record's state.
const MarkerPrefix = "_"

// IsMarker reports whether name is a bookkeeping field.
func IsMarker(name string) bool {
	return strings.HasPrefix(name, MarkerPrefix)
}

// Fields maps field names to their latest value. Absent keys are unset.
type Fields map[string]Field

// Data returns the fields without markers. It returns f itself when there are none.
func (f Fields) Data() Fields {
	markers := 0
	for name := range f {
		if IsMarker(name) {
			markers++
		}
	}
	if markers == 0 {
		return f
	}
	out := make(Fields, len(f)-markers)
	for name, v := range f {
		if !IsMarker(name) {
			out[name] = v
		}
	}
	return out
}

// Has reports whether the field has been set.
func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Value returns the raw value of the field.
func (f Fields) Value(name string) (string, bool) {
	v, ok := f[name]
	return v.Value, ok
}

// Float parses the field as a float.
func (f Fields) Float(name string) (float64, bool) {
	v, ok := f[name]
	if !ok {
		return 0, false
	}
	out, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, false
	}
	return out, true
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Names returns the set field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Record is the accumulator for one correlation id.
type Record struct {
	ID         int64             `json:"id"`
	Descriptor entity.Descriptor `json:"descriptor"`
	Fields     Fields            `json:"fields"`
	State      State             `json:"state"`
	Err        error             `json:"-"`
	Registered time.Time         `json:"registered"`
	Updated    time.Time         `json:"updated"`
}

func (r *Record) clone() Record {
	out := *r
	out.Descriptor = r.Descriptor.WithID(r.ID)
	out.Fields = r.Fields.clone()
	return out
}

// Update is a single field assignment routed from the demultiplexer.
type Update struct {
	ID    int64
	Field string
	Value string
	At    time.Time
}

// Partition splits finalised records by outcome. Each slice is ordered by id.
type Partition struct {
	Complete   []Record
	Incomplete []Record
	Errored    []Record
}

// Len returns the total number of records across the partition.
func (p Partition) Len() int {
	return len(p.Complete) + len(p.Incomplete) + len(p.Errored)
}
