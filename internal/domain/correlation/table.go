package correlation

import (
	"context"
	"io"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/domain/entity"
)

const defaultInboxSize = 1024

// Options configures a correlation table.
type Options struct {
	// Name tags log lines, typically the batch id.
	Name string
	// Predicate decides completion. Nil completes a record on its first field.
	Predicate Predicate
	Logger    *log.Logger
	// Verbose logs every accepted field.
	Verbose   bool
	InboxSize int
	Clock     func() time.Time
}

// Stats is a point-in-time view of table counters.
type Stats struct {
	Registered int
	Live       int
	Updates    uint64
	Dropped    uint64
	Sealed     bool
}

// Table owns every record of one batch. A single goroutine applies all mutations in
// arrival order; callers talk to it through its inbox.
type Table struct {
	name      string
	predicate Predicate
	logger    *log.Logger
	verbose   bool
	now       func() time.Time

	inbox    chan func()
	progress chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       conc.WaitGroup

	// owned by the loop goroutine
	records   map[int64]*Record
	live      int
	seq       uint64
	updates   uint64
	dropped   uint64
	sealed    bool
	partition *Partition
	warned    map[int64]struct{}
}

// NewTable starts the owning goroutine. Call Close to release it.
func NewTable(opts Options) *Table {
	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	pred := opts.Predicate
	if pred == nil {
		pred = AnyField
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	t := &Table{
		name:      opts.Name,
		predicate: pred,
		logger:    logger,
		verbose:   opts.Verbose,
		now:       clock,
		inbox:     make(chan func(), size),
		progress:  make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		records:   make(map[int64]*Record),
		warned:    make(map[int64]struct{}),
	}
	t.wg.Go(t.loop)
	return t
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Name returns the table tag.
func (t *Table) Name() string { return t.name }

// Progress is signalled after every terminal transition. Signals coalesce.
func (t *Table) Progress() <-chan struct{} { return t.progress }

// Done is closed once the owning goroutine has exited.
func (t *Table) Done() <-chan struct{} { return t.done }

func (t *Table) loop() {
	defer close(t.done)
	for {
		select {
		case fn := <-t.inbox:
			fn()
		case <-t.quit:
			return
		}
	}
}

// Close stops the owning goroutine. Queued operations that have not run are discarded.
func (t *Table) Close() {
	t.stopOnce.Do(func() {
		close(t.quit)
	})
	t.wg.Wait()
}

func (t *Table) closedErr(op string) error {
	return errs.New("correlation/"+op, errs.CodeUnavailable,
		errs.WithCanonicalCode(errs.CanonicalTableClosed),
		errs.WithMessage("table "+t.name+" stopped"))
}

func (t *Table) submit(ctx context.Context, op string, fn func()) error {
	select {
	case <-t.done:
		return t.closedErr(op)
	case <-t.quit:
		return t.closedErr(op)
	default:
	}
	select {
	case t.inbox <- fn:
		return nil
	case <-t.quit:
		return t.closedErr(op)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the owning goroutine and waits for it to finish.
func (t *Table) call(ctx context.Context, op string, fn func()) error {
	ack := make(chan struct{})
	if err := t.submit(ctx, op, func() {
		fn()
		close(ack)
	}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-t.done:
		return t.closedErr(op)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Table) signal() {
	select {
	case t.progress <- struct{}{}:
	default:
	}
}

// Register creates the Pending record for desc.ID. It returns once the record exists,
// so a reply arriving right after the send always finds it.
func (t *Table) Register(ctx context.Context, desc entity.Descriptor) error {
	var result error
	err := t.call(ctx, "register", func() {
		switch {
		case t.sealed:
			result = errs.New("correlation/register", errs.CodeUnavailable,
				errs.WithRequestID(desc.ID),
				errs.WithCanonicalCode(errs.CanonicalTableClosed),
				errs.WithMessage("table "+t.name+" is sealed"))
		case t.records[desc.ID] != nil:
			result = errs.New("correlation/register", errs.CodeConflict,
				errs.WithRequestID(desc.ID),
				errs.WithMessage("duplicate correlation id"))
		default:
			now := t.now()
			t.records[desc.ID] = &Record{
				ID:         desc.ID,
				Descriptor: desc.WithID(desc.ID),
				Fields:     make(Fields),
				State:      StatePending,
				Registered: now,
				Updated:    now,
			}
			t.live++
		}
	})
	if err != nil {
		return err
	}
	return result
}

// Update queues a field assignment. Updates apply in call order; the call only blocks
// while the inbox is full.
func (t *Table) Update(ctx context.Context, u Update) error {
	return t.submit(ctx, "update", func() { t.apply(u) })
}

func (t *Table) apply(u Update) {
	if t.sealed {
		t.dropped++
		if t.verbose {
			t.logger.Printf("table %s: sealed, dropping late field %s for id %d", t.name, u.Field, u.ID)
		}
		return
	}
	rec := t.records[u.ID]
	if rec == nil {
		t.dropped++
		if _, seen := t.warned[u.ID]; !seen {
			t.warned[u.ID] = struct{}{}
			t.logger.Printf("table %s: update for unregistered id %d dropped", t.name, u.ID)
		}
		return
	}
	t.updates++
	if prev, ok := rec.Fields[u.Field]; ok && prev.Value == u.Value {
		return
	}
	at := u.At
	if at.IsZero() {
		at = t.now()
	}
	t.seq++
	rec.Fields[u.Field] = Field{Value: u.Value, At: at, Seq: t.seq}
	rec.Updated = at
	if t.verbose {
		t.logger.Printf("table %s: id %d %s=%s", t.name, u.ID, u.Field, u.Value)
	}

	if rec.State.Terminal() || IsMarker(u.Field) {
		return
	}
	if rec.State == StatePending {
		rec.State = StatePartial
	}
	if t.predicate(rec.Descriptor, rec.Fields.Data()) {
		t.transition(rec, StateComplete, nil)
	}
}

func (t *Table) transition(rec *Record, to State, cause error) {
	rec.State = to
	rec.Err = cause
	t.live--
	t.signal()
}

// Fail marks the record Errored. Records already Complete or Errored keep their state.
func (t *Table) Fail(ctx context.Context, id int64, cause error) error {
	return t.submit(ctx, "fail", func() {
		if t.sealed {
			t.dropped++
			return
		}
		rec := t.records[id]
		if rec == nil {
			t.dropped++
			t.logger.Printf("table %s: failure for unregistered id %d dropped: %v", t.name, id, cause)
			return
		}
		if rec.State.Terminal() {
			if t.verbose {
				t.logger.Printf("table %s: id %d already %s, ignoring failure: %v", t.name, id, rec.State, cause)
			}
			return
		}
		rec.Updated = t.now()
		t.transition(rec, StateErrored, cause)
	})
}

// Pending returns the number of non-terminal records.
func (t *Table) Pending(ctx context.Context) (int, error) {
	var live int
	err := t.call(ctx, "pending", func() { live = t.live })
	return live, err
}

// PendingIDs lists the ids of non-terminal records in ascending order.
func (t *Table) PendingIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := t.call(ctx, "pending", func() {
		for id, rec := range t.records {
			if !rec.State.Terminal() {
				ids = append(ids, id)
			}
		}
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

// Get returns a copy of one record.
func (t *Table) Get(ctx context.Context, id int64) (Record, bool, error) {
	var (
		out   Record
		found bool
	)
	err := t.call(ctx, "get", func() {
		if rec := t.records[id]; rec != nil {
			out = rec.clone()
			found = true
		}
	})
	return out, found, err
}

// Snapshot returns copies of every record ordered by id.
func (t *Table) Snapshot(ctx context.Context) ([]Record, error) {
	var out []Record
	err := t.call(ctx, "snapshot", func() {
		out = make([]Record, 0, len(t.records))
		for _, rec := range t.records {
			out = append(out, rec.clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Stats returns table counters.
func (t *Table) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := t.call(ctx, "stats", func() {
		st = Stats{
			Registered: len(t.records),
			Live:       t.live,
			Updates:    t.updates,
			Dropped:    t.dropped,
			Sealed:     t.sealed,
		}
	})
	return st, err
}

// Finalize marks every non-terminal record Incomplete, seals the table against further
// writes and returns the partition. Repeated calls return the same partition.
func (t *Table) Finalize(ctx context.Context) (Partition, error) {
	var out Partition
	err := t.call(ctx, "finalize", func() {
		if t.partition == nil {
			t.seal()
		}
		out = *t.partition
	})
	return out, err
}

func (t *Table) seal() {
	ids := make([]int64, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var p Partition
	for _, id := range ids {
		rec := t.records[id]
		if !rec.State.Terminal() {
			rec.State = StateIncomplete
			t.live--
		}
		switch rec.State {
		case StateComplete:
			p.Complete = append(p.Complete, rec.clone())
		case StateErrored:
			p.Errored = append(p.Errored, rec.clone())
		default:
			p.Incomplete = append(p.Incomplete, rec.clone())
		}
	}
	t.sealed = true
	t.partition = &p
	t.logger.Printf("table %s sealed: complete=%d incomplete=%d errored=%d",
		t.name, len(p.Complete), len(p.Incomplete), len(p.Errored))
	t.signal()
}

func (s Stats) String() string {
	return "registered=" + strconv.Itoa(s.Registered) +
		" live=" + strconv.Itoa(s.Live) +
		" updates=" + strconv.FormatUint(s.Updates, 10) +
		" dropped=" + strconv.FormatUint(s.Dropped, 10)
}
