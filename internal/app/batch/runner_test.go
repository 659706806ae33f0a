package batch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/app/completion"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/domain/entity"
	"github.com/coachpo/sigma/internal/infra/gateway"
	"github.com/coachpo/sigma/internal/infra/gateway/fake"
	"github.com/coachpo/sigma/internal/infra/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memoryStore struct {
	mu    sync.Mutex
	saved []persistence.Snapshot
}

func (s *memoryStore) SaveSnapshot(_ context.Context, snap persistence.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return nil
}

func (s *memoryStore) LoadSnapshot(context.Context, string, string, time.Time) (persistence.Snapshot, error) {
	return persistence.Snapshot{}, nil
}

func testPlan(t *testing.T) Plan {
	t.Helper()
	expiries, err := entity.MonthList("201902")
	require.NoError(t, err)
	sides, err := entity.Sides("C", "P")
	require.NoError(t, err)
	return Plan{
		Instrument: entity.Instrument{
			Symbol: "CL", SecType: "FOP", Exchange: "NYMEX", Currency: "USD",
			TradingClass: "LO", Multiplier: "1000", UnderlyingSecType: "FUT",
		},
		Expiries: expiries,
		Strikes:  entity.Enum(entity.DimStrike, "40", "40.5"),
		Sides:    sides,
	}
}

func connect(t *testing.T, opts fake.Options) (*session.Session, *fake.Broker) {
	t.Helper()
	broker := fake.New(opts)
	sess := session.New(broker, session.Options{ConnectTimeout: time.Second})
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Disconnect(context.Background()) })
	return sess, broker
}

func runner(t *testing.T, sess *session.Session, opts Options) *Runner {
	t.Helper()
	if opts.RateLimitHz == 0 {
		opts.RateLimitHz = 1000
	}
	if opts.Completion.PollInterval == 0 {
		opts.Completion = completion.Options{PollInterval: 20 * time.Millisecond, StabilityPolls: 2, AbsoluteTimeout: 5 * time.Second}
	}
	r, err := NewRunner(sess, opts)
	require.NoError(t, err)
	return r
}

func rowsByKey(rows []Row) map[string]Row {
	out := make(map[string]Row, len(rows))
	for _, row := range rows {
		out[row.Key] = row
	}
	return out
}

func TestRunSnapshotJob(t *testing.T) {
	sess, broker := connect(t, fake.Options{FirstID: 100})
	var buf bytes.Buffer
	store := &memoryStore{}
	r := runner(t, sess, Options{Sinks: []Sink{NewJSONSink(&buf), NewStoreSink(store)}})

	job, err := Lookup(JobSnapshot)
	require.NoError(t, err)
	report, err := r.Run(context.Background(), job, testPlan(t))
	require.NoError(t, err)

	require.Len(t, report.Stages, 1)
	st := report.Stages[0]
	require.Equal(t, completion.ReasonAllTerminal, st.Reason)
	require.Equal(t, 4, st.Complete)
	require.Equal(t, 4, st.Dispatch.Sent)
	require.Equal(t, 8, st.Dispatch.Wire)
	require.Len(t, broker.Sent(), 8)

	rows := rowsByKey(report.Rows())
	call := rows["expiry=201902|strike=40|side=C"]
	require.EqualValues(t, 100, call.ID)
	require.Equal(t, "CL FOP (LO) Feb'19 40 CALL @NYMEX", call.Label)
	require.Equal(t, "complete", call.State)
	require.Equal(t, "10.99", call.Values["bid"])
	require.Equal(t, "11", call.Derived["mid"])
	require.Equal(t, "0.02", call.Derived["spread"])
	require.NotEmpty(t, call.Values["conid"])
	_, hasEnd := call.Values[session.EndField]
	require.False(t, hasEnd)

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, report.BatchID, decoded.BatchID)
	require.Len(t, decoded.Rows(), 4)

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	require.Equal(t, "CL FOP (LO)", saved.Instrument)
	require.Equal(t, JobSnapshot, saved.Job)
	require.Len(t, saved.Rows, 4)
	require.Zero(t, sess.Router().Len())
}

func TestRunSnapshotPartialCompletion(t *testing.T) {
	quiet := func(req gateway.Request) bool { return req.Contract.Strike != "40.5" }
	sess, broker := connect(t, fake.Options{Responder: fake.Only(quiet, fake.Quotes())})
	r := runner(t, sess, Options{})

	job, err := Lookup(JobSnapshot)
	require.NoError(t, err)
	report, err := r.Run(context.Background(), job, testPlan(t))
	require.NoError(t, err)

	st := report.Stages[0]
	require.Equal(t, completion.ReasonStalled, st.Reason)
	require.Equal(t, 2, st.Complete)
	require.Equal(t, 2, st.Incomplete)
	for _, row := range st.Rows {
		strike := row.Coords[entity.DimStrike]
		if strike == "40.5" {
			require.Equal(t, "incomplete", row.State)
		} else {
			require.Equal(t, "complete", row.State)
		}
	}
	// the unanswered quote subscriptions are cancelled
	require.Len(t, broker.Cancelled(), 2)
}

func TestRunMarginsJob(t *testing.T) {
	sess, broker := connect(t, fake.Options{FirstID: 100})
	r := runner(t, sess, Options{})

	job, err := Lookup(JobMargins)
	require.NoError(t, err)
	report, err := r.Run(context.Background(), job, testPlan(t))
	require.NoError(t, err)
	require.Len(t, report.Stages, 2)

	options := report.Stages[0]
	require.Equal(t, 8, options.Complete)
	rows := rowsByKey(options.Rows)
	sell := rows["expiry=201902|strike=40|side=C|action=SELL"]
	require.Equal(t, "6000.00", sell.Values["initMarginChange"])
	require.Equal(t, "SELL CL FOP (LO) Feb'19 40 CALL @NYMEX", sell.Label)
	buy := rows["expiry=201902|strike=40|side=C|action=BUY"]
	require.Equal(t, "11000.00", buy.Values["initMarginChange"])

	owner, ok := sess.Allocator().Owner(buy.ID)
	require.True(t, ok)
	require.Equal(t, session.CategoryOrder, owner)

	underlying := report.Stages[1]
	require.Equal(t, 1, underlying.Complete)
	fut := underlying.Rows[0]
	require.Equal(t, KindUnderlying, fut.Kind)
	require.Equal(t, "CL FUT Feb'19 @NYMEX", fut.Label)
	require.Equal(t, "50", fut.Derived["mid"])

	owner, ok = sess.Allocator().Owner(fut.ID)
	require.True(t, ok)
	require.Equal(t, session.CategoryData, owner)

	// order ids only ever carry what-if orders
	var whatIf int
	for _, req := range broker.Sent() {
		if req.Kind == gateway.KindWhatIf {
			whatIf++
			require.NotNil(t, req.Order)
			require.True(t, req.Order.WhatIf)
			continue
		}
		cat, ok := sess.Allocator().Owner(req.ID)
		require.True(t, ok)
		require.Equal(t, session.CategoryData, cat, "request %d (%s)", req.ID, req.Kind)
	}
	require.Equal(t, 8, whatIf)
	require.Equal(t, 8, options.Dispatch.Wire)
}

func TestRunRejectedRequestsAreErrored(t *testing.T) {
	sess, _ := connect(t, fake.Options{Responder: fake.Reject(200, "No security definition has been found")})
	r := runner(t, sess, Options{})

	job, err := Lookup(JobContracts)
	require.NoError(t, err)
	report, err := r.Run(context.Background(), job, testPlan(t))
	require.NoError(t, err)

	st := report.Stages[0]
	require.Equal(t, completion.ReasonAllTerminal, st.Reason)
	require.Equal(t, 4, st.Errored)
	require.Contains(t, st.Rows[0].Error, "No security definition")
}

func TestRunCompleteWhenOverride(t *testing.T) {
	sess, _ := connect(t, fake.Options{})
	r := runner(t, sess, Options{CompleteWhen: `has("localSymbol") && fields.multiplier == 1000`})

	job, err := Lookup(JobContracts)
	require.NoError(t, err)
	report, err := r.Run(context.Background(), job, testPlan(t))
	require.NoError(t, err)
	require.Equal(t, 4, report.Stages[0].Complete)
}

func TestNewRunnerRejectsBadScript(t *testing.T) {
	sess, _ := connect(t, fake.Options{})
	_, err := NewRunner(sess, Options{CompleteWhen: `has("bid" &&`})
	require.Error(t, err)
	_, err = NewRunner(nil, Options{})
	require.Error(t, err)
}

func TestRunInvalidPlanSendsNothing(t *testing.T) {
	sess, broker := connect(t, fake.Options{})
	r := runner(t, sess, Options{})

	plan := testPlan(t)
	plan.Strikes = entity.Enum(entity.DimStrike)
	job, err := Lookup(JobSnapshot)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), job, plan)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CanonicalInvalidDimension))
	require.Empty(t, broker.Sent())
}

func TestRunCancelledContextReturnsPartialReport(t *testing.T) {
	sess, broker := connect(t, fake.Options{})
	r := runner(t, sess, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := Lookup(JobContracts)
	require.NoError(t, err)
	report, err := r.Run(ctx, job, testPlan(t))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Stages, 1)
	require.Equal(t, completion.ReasonCancelled, report.Stages[0].Reason)
	require.Equal(t, 4, report.Stages[0].Dispatch.Skipped)
	require.Empty(t, broker.Sent())
}

func TestLookupUnknownJob(t *testing.T) {
	_, err := Lookup("portfolio")
	require.ErrorContains(t, err, "unknown job")
	require.Equal(t, []string{JobContracts, JobMargins, JobSnapshot}, JobNames())
}

func TestQuoteDerived(t *testing.T) {
	fields := correlation.Fields{
		"bid": {Value: "1.25"},
		"ask": {Value: "1.35"},
	}
	derived := quoteDerived(fields)
	require.Equal(t, "1.3", derived["mid"])
	require.Equal(t, "0.1", derived["spread"])

	require.Nil(t, quoteDerived(correlation.Fields{"bid": {Value: "-1"}, "ask": {Value: "1"}}))
	require.Nil(t, quoteDerived(correlation.Fields{"bid": {Value: "1"}}))
}

func TestToSnapshotSplitsRows(t *testing.T) {
	report := Report{
		Job:     JobContracts,
		Name:    "CL FOP (LO)",
		Started: time.Date(2019, time.January, 14, 23, 59, 0, 0, time.UTC),
		Stages: []StageReport{{
			Name:     "contracts",
			Complete: 1,
			Rows:     []Row{{ID: 5, Key: "strike=40", State: "complete", Values: map[string]string{"conid": "1"}}},
		}},
	}
	snap, err := ToSnapshot(report)
	require.NoError(t, err)
	require.Equal(t, time.Date(2019, time.January, 14, 0, 0, 0, 0, time.UTC), snap.BatchDate)
	require.Len(t, snap.Rows, 1)
	require.Equal(t, "strike=40", snap.Rows[0].EntityKey)
	require.NotContains(t, string(snap.Payload), `"rows":[{`)
	require.JSONEq(t, `{"id":5,"key":"strike=40","label":"","state":"complete","coords":null,"values":{"conid":"1"},"updated":"0001-01-01T00:00:00Z"}`, string(snap.Rows[0].Payload))
}
