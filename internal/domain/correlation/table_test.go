package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/domain/entity"
)

func desc(id int64, strike string) entity.Descriptor {
	return entity.Descriptor{Coords: []entity.Coord{{Name: entity.DimStrike, Value: strike}}}.WithID(id)
}

func newTestTable(t *testing.T, pred Predicate) *Table {
	t.Helper()
	table := NewTable(Options{Name: t.Name(), Predicate: pred})
	t.Cleanup(table.Close)
	return table
}

func registerAll(t *testing.T, table *Table, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, table.Register(context.Background(), desc(id, fmt.Sprint(40+id))))
	}
}

func ids(records []Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestFinalizePartitionsTwoOfFour(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	table := NewTable(Options{Name: "two-of-four", Predicate: AllOf("bid", "ask")})
	defer table.Close()

	registerAll(t, table, 1, 2, 3, 4)
	for _, id := range []int64{1, 3} {
		require.NoError(t, table.Update(ctx, Update{ID: id, Field: "bid", Value: "1.10"}))
		require.NoError(t, table.Update(ctx, Update{ID: id, Field: "ask", Value: "1.20"}))
	}
	require.NoError(t, table.Update(ctx, Update{ID: 4, Field: "bid", Value: "0.50"}))

	live, err := table.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, live)

	p, err := table.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, ids(p.Complete))
	require.Equal(t, []int64{2, 4}, ids(p.Incomplete))
	require.Empty(t, p.Errored)
	require.Equal(t, 4, p.Len())

	// the partially filled record keeps what it received
	require.Equal(t, "0.50", p.Incomplete[1].Fields["bid"].Value)
	require.Equal(t, StateIncomplete, p.Incomplete[1].State)

	live, err = table.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, live)
}

func TestSendFailureRecordedAsErrored(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 1, 2, 3)

	require.NoError(t, table.Fail(ctx, 2, errs.SendFailure(2, errors.New("broken pipe"))))
	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "bid", Value: "1"}))
	require.NoError(t, table.Update(ctx, Update{ID: 3, Field: "bid", Value: "3"}))

	p, err := table.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, ids(p.Complete))
	require.Equal(t, []int64{2}, ids(p.Errored))
	require.Empty(t, p.Incomplete)
	require.True(t, errs.Is(p.Errored[0].Err, errs.CanonicalSendFailure))
}

func TestLastArrivalWins(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 7)

	// a stale, lower quote arriving after a newer one still overwrites it
	require.NoError(t, table.Update(ctx, Update{ID: 7, Field: "bid", Value: "1.05"}))
	require.NoError(t, table.Update(ctx, Update{ID: 7, Field: "bid", Value: "1.00"}))

	rec, ok, err := table.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateComplete, rec.State)
	require.Equal(t, "1.00", rec.Fields["bid"].Value)
	require.EqualValues(t, 2, rec.Fields["bid"].Seq)
}

func TestIdempotentOverwrite(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2019, time.January, 14, 15, 30, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }
	once := NewTable(Options{Name: "once", Predicate: AllOf("bid", "ask"), Clock: clock})
	t.Cleanup(once.Close)
	twice := NewTable(Options{Name: "twice", Predicate: AllOf("bid", "ask"), Clock: clock})
	t.Cleanup(twice.Close)
	registerAll(t, once, 1)
	registerAll(t, twice, 1)

	u := Update{ID: 1, Field: "bid", Value: "1.25"}
	require.NoError(t, once.Update(ctx, u))
	require.NoError(t, twice.Update(ctx, u))
	require.NoError(t, twice.Update(ctx, u))

	a, _, err := once.Get(ctx, 1)
	require.NoError(t, err)
	b, _, err := twice.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, StatePartial, b.State)
}

func TestMarkerFieldsDoNotAdvanceState(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, nil)
	registerAll(t, table, 1, 2)

	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "_end", Value: "1"}))
	require.NoError(t, table.Update(ctx, Update{ID: 2, Field: "_warning", Value: "10167"}))

	rec, _, err := table.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatePending, rec.State)
	require.True(t, rec.Fields.Has("_end"))
	live, err := table.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, live)

	// the first data field completes the record
	require.NoError(t, table.Update(ctx, Update{ID: 2, Field: "bid", Value: "1"}))
	rec, _, err = table.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, StateComplete, rec.State)
	require.Equal(t, "10167", rec.Fields["_warning"].Value)

	// markers are not visible to the predicate
	var seen []string
	spy := newTestTable(t, func(_ entity.Descriptor, fields Fields) bool {
		seen = fields.Names()
		return false
	})
	registerAll(t, spy, 3)
	require.NoError(t, spy.Update(ctx, Update{ID: 3, Field: "_warning", Value: "10090"}))
	require.NoError(t, spy.Update(ctx, Update{ID: 3, Field: "bid", Value: "1"}))
	_, _, err = spy.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"bid"}, seen)
}

func TestFieldsData(t *testing.T) {
	data := Fields{"bid": {Value: "1"}}
	require.Equal(t, data, data.Data())
	mixed := Fields{"bid": {Value: "1"}, "_end": {Value: "1"}}
	require.Equal(t, Fields{"bid": {Value: "1"}}, mixed.Data())
	require.True(t, IsMarker("_warning"))
	require.False(t, IsMarker("delta"))
}

func TestCompleteRecordAcceptsOverwritesWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 1)

	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "bid", Value: "1"}))
	require.NoError(t, table.Fail(ctx, 1, errors.New("late rejection")))
	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "delta", Value: "0.4"}))

	rec, _, err := table.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateComplete, rec.State)
	require.NoError(t, rec.Err)
	require.True(t, rec.Fields.Has("delta"))
}

func TestErroredRecordKeepsFirstCause(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 1)

	first := errors.New("first")
	require.NoError(t, table.Fail(ctx, 1, first))
	require.NoError(t, table.Fail(ctx, 1, errors.New("second")))
	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "bid", Value: "2"}))

	rec, _, err := table.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateErrored, rec.State)
	require.ErrorIs(t, rec.Err, first)
	require.Equal(t, "2", rec.Fields["bid"].Value)
}

func TestNoLostUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	table := NewTable(Options{Name: "concurrent", Predicate: AllOf("never"), InboxSize: 8})
	defer table.Close()

	const entities, perEntity = 50, 40
	for id := int64(1); id <= entities; id++ {
		require.NoError(t, table.Register(ctx, desc(id, "1")))
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= entities; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < perEntity; i++ {
				_ = table.Update(ctx, Update{ID: id, Field: fmt.Sprintf("f%d", i), Value: fmt.Sprint(i)})
			}
		}(id)
	}
	wg.Wait()

	st, err := table.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, entities*perEntity, st.Updates)
	require.Zero(t, st.Dropped)

	records, err := table.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, records, entities)
	for _, rec := range records {
		require.Len(t, rec.Fields, perEntity)
		require.Equal(t, StatePartial, rec.State)
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, nil)
	registerAll(t, table, 5)

	err := table.Register(ctx, desc(5, "99"))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeConflict, e.Code)
	require.EqualValues(t, 5, e.RequestID)
}

func TestSealedTableDropsLateWrites(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 1, 2)

	first, err := table.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids(first.Incomplete))

	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "bid", Value: "1"}))
	require.NoError(t, table.Fail(ctx, 2, errors.New("late")))
	err = table.Register(ctx, desc(3, "3"))
	require.True(t, errs.Is(err, errs.CanonicalTableClosed))

	second, err := table.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	rec, _, err := table.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, rec.Fields.Has("bid"))

	st, err := table.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.Sealed)
	require.EqualValues(t, 2, st.Dropped)
}

func TestUnregisteredUpdateDropped(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, nil)
	require.NoError(t, table.Update(ctx, Update{ID: 42, Field: "bid", Value: "1"}))
	require.NoError(t, table.Update(ctx, Update{ID: 42, Field: "ask", Value: "1"}))

	st, err := table.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.Dropped)
	require.Zero(t, st.Registered)
}

func TestProgressSignalledOnTerminalTransition(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 1)

	select {
	case <-table.Progress():
		t.Fatal("unexpected progress before any transition")
	default:
	}

	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "bid", Value: "1"}))
	select {
	case <-table.Progress():
	case <-time.After(time.Second):
		t.Fatal("expected progress signal")
	}
}

func TestPendingIDs(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, AllOf("bid"))
	registerAll(t, table, 3, 1, 2)
	require.NoError(t, table.Update(ctx, Update{ID: 2, Field: "bid", Value: "1"}))

	pending, err := table.PendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, pending)
}

func TestClosedTableRejectsOps(t *testing.T) {
	defer goleak.VerifyNone(t)
	table := NewTable(Options{Name: "closed"})
	table.Close()
	table.Close()

	err := table.Register(context.Background(), desc(1, "1"))
	require.True(t, errs.Is(err, errs.CanonicalTableClosed))
	_, err = table.Snapshot(context.Background())
	require.True(t, errs.Is(err, errs.CanonicalTableClosed))
}

func TestCallHonoursContext(t *testing.T) {
	table := newTestTable(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// either the op raced through or the cancellation was observed
	if _, err := table.Pending(ctx); err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestScriptPredicateDrivesCompletion(t *testing.T) {
	ctx := context.Background()
	script, err := CompileScript(`(has("bid") || has("ask")) && has("delta") && fields.delta > 0`)
	require.NoError(t, err)
	pred, err := script.Predicate(nil)
	require.NoError(t, err)

	table := newTestTable(t, pred)
	registerAll(t, table, 1, 2)

	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "ask", Value: "2.5"}))
	require.NoError(t, table.Update(ctx, Update{ID: 1, Field: "delta", Value: "0.31"}))
	require.NoError(t, table.Update(ctx, Update{ID: 2, Field: "delta", Value: "0.31"}))

	p, err := table.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids(p.Complete))
	require.Equal(t, []int64{2}, ids(p.Incomplete))
}
