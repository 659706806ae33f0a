package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/domain/entity"
	"github.com/coachpo/sigma/internal/infra/gateway"
)

type recorder struct {
	mu     sync.Mutex
	sent   []gateway.Request
	failOn map[int64]bool
	onSend func(gateway.Request)
}

func (r *recorder) Send(_ context.Context, req gateway.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onSend != nil {
		r.onSend(req)
	}
	if r.failOn[req.ID] {
		return errors.New("socket closed")
	}
	r.sent = append(r.sent, req)
	return nil
}

func (r *recorder) requests() []gateway.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.Request(nil), r.sent...)
}

func quoteRequest(desc entity.Descriptor) []gateway.Request {
	strike, _ := desc.Get(entity.DimStrike)
	return []gateway.Request{{Kind: gateway.KindQuote, Snapshot: true, Contract: gateway.Contract{Strike: strike}}}
}

func strikes(n int) []entity.Descriptor {
	values := make([]string, n)
	for i := range values {
		values[i] = strconv.Itoa(40 + i)
	}
	descs, err := entity.Generate(entity.Space{Dimensions: []entity.Dimension{entity.Enum(entity.DimStrike, values...)}})
	if err != nil {
		panic(err)
	}
	return descs
}

func fixture(t *testing.T, sender Sender, opts Options) (*Dispatcher, *correlation.Table, *session.Router) {
	t.Helper()
	alloc := session.NewAllocator(nil)
	alloc.Seed(1)
	router := session.NewRouter()
	if opts.Request == nil {
		opts.Request = quoteRequest
	}
	if opts.RateLimitHz == 0 {
		opts.RateLimitHz = 1000
	}
	d, err := New(alloc, router, sender, opts)
	require.NoError(t, err)
	table := correlation.NewTable(correlation.Options{Name: t.Name(), Predicate: correlation.AllOf("bid")})
	t.Cleanup(table.Close)
	return d, table, router
}

func TestDispatchOrderIsDeterministic(t *testing.T) {
	rec := &recorder{}
	d, table, router := fixture(t, rec, Options{})

	summary, err := d.Dispatch(context.Background(), table, strikes(4))
	require.NoError(t, err)
	require.Equal(t, 4, summary.Sent)
	require.EqualValues(t, 1, summary.FirstID)
	require.EqualValues(t, 4, summary.LastID)

	sent := rec.requests()
	require.Len(t, sent, 4)
	for i, req := range sent {
		require.EqualValues(t, i+1, req.ID)
		require.Equal(t, strconv.Itoa(40+i), req.Contract.Strike)
		owner, ok := router.Lookup(req.ID)
		require.True(t, ok)
		require.Same(t, table, owner)
	}

	records, err := table.Snapshot(context.Background())
	require.NoError(t, err)
	for i, rec := range records {
		require.EqualValues(t, i+1, rec.ID)
		require.Equal(t, i, rec.Descriptor.Ordinal)
		require.Equal(t, correlation.StatePending, rec.State)
	}
}

func TestDispatchRecordsSendFailureAndContinues(t *testing.T) {
	rec := &recorder{failOn: map[int64]bool{2: true}}
	d, table, _ := fixture(t, rec, Options{})

	summary, err := d.Dispatch(context.Background(), table, strikes(3))
	require.NoError(t, err)
	require.Equal(t, 2, summary.Sent)
	require.Equal(t, 1, summary.Failed)

	rec2, ok, err := table.Get(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, correlation.StateErrored, rec2.State)
	require.True(t, errs.Is(rec2.Err, errs.CanonicalSendFailure))

	sent := rec.requests()
	require.EqualValues(t, 1, sent[0].ID)
	require.EqualValues(t, 3, sent[1].ID)
}

func TestDispatchExpandsUnderOneID(t *testing.T) {
	rec := &recorder{}
	both := func(desc entity.Descriptor) []gateway.Request {
		return []gateway.Request{{Kind: gateway.KindQuote}, {Kind: gateway.KindContract}}
	}
	d, table, router := fixture(t, rec, Options{Request: both})

	summary, err := d.Dispatch(context.Background(), table, strikes(2))
	require.NoError(t, err)
	require.Equal(t, 4, summary.Wire)

	sent := rec.requests()
	require.Equal(t, []int64{1, 1, 2, 2}, []int64{sent[0].ID, sent[1].ID, sent[2].ID, sent[3].ID})
	require.Equal(t, []gateway.RequestKind{gateway.KindQuote, gateway.KindContract}, router.Kinds(2))
}

func TestDispatchEmptyExpansionIsErrored(t *testing.T) {
	d, table, _ := fixture(t, &recorder{}, Options{Request: func(entity.Descriptor) []gateway.Request { return nil }})
	summary, err := d.Dispatch(context.Background(), table, strikes(1))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	p, err := table.Finalize(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Errored, 1)
}

func TestDispatchCancellationLeavesRestUnregistered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onSend: func(req gateway.Request) {
		if req.ID == 2 {
			cancel()
		}
	}}
	d, table, _ := fixture(t, rec, Options{})

	summary, err := d.Dispatch(ctx, table, strikes(5))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, summary.Sent)
	require.Equal(t, 3, summary.Skipped)

	st, err := table.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, st.Registered)
}

func TestDispatchHonoursRateLimit(t *testing.T) {
	d, table, _ := fixture(t, &recorder{}, Options{RateLimitHz: 100})
	start := time.Now()
	_, err := d.Dispatch(context.Background(), table, strikes(6))
	require.NoError(t, err)
	// first token is free, the next five cost 10ms each
	require.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestDispatchCategory(t *testing.T) {
	alloc := session.NewAllocator(nil)
	alloc.Seed(10)
	d, err := New(alloc, session.NewRouter(), &recorder{}, Options{
		Request:  quoteRequest,
		Category: func(entity.Descriptor) session.Category { return session.CategoryOrder },
	})
	require.NoError(t, err)
	table := correlation.NewTable(correlation.Options{Name: "orders"})
	t.Cleanup(table.Close)

	_, err = d.Dispatch(context.Background(), table, strikes(1))
	require.NoError(t, err)
	owner, ok := alloc.Owner(10)
	require.True(t, ok)
	require.Equal(t, session.CategoryOrder, owner)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, nil, nil, Options{})
	require.Error(t, err)
	_, err = New(session.NewAllocator(nil), session.NewRouter(), &recorder{}, Options{})
	require.Error(t, err)
}
