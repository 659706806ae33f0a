// Package completion decides when a batch without an end marker is done enough.
package completion

import (
	"context"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/infra/telemetry"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultStabilityPolls = 2
	finalizeTimeout       = 5 * time.Second
)

// Reason explains why the detector stopped waiting.
type Reason string

const (
	// ReasonAllTerminal means every record reached Complete or Errored.
	ReasonAllTerminal Reason = "all_terminal"
	// ReasonStalled means the outstanding count stopped falling.
	ReasonStalled Reason = "stalled"
	// ReasonTimeout means the absolute timeout fired.
	ReasonTimeout Reason = "timeout"
	// ReasonCancelled means the caller's context ended.
	ReasonCancelled Reason = "cancelled"
)

// Options configures the detector.
type Options struct {
	PollInterval time.Duration
	// StabilityPolls is how many consecutive polls must read the same outstanding count
	// before the wait ends. The reading taken when Await starts is the first of them.
	StabilityPolls int
	// AbsoluteTimeout caps the wait. Zero leaves only ctx as the bound.
	AbsoluteTimeout time.Duration
	// Job labels metrics.
	Job    string
	Logger *log.Logger
}

// Result is the finalised partition of a batch. Complete, Incomplete and Errored are
// disjoint, cover every registered record and are ordered by id.
type Result struct {
	Complete   []correlation.Record
	Incomplete []correlation.Record
	Errored    []correlation.Record
	Reason     Reason
	Polls      int
	Elapsed    time.Duration
	// Err is set only when the table itself could not be finalised.
	Err error
}

// Total returns the number of records in the result.
func (r Result) Total() int {
	return len(r.Complete) + len(r.Incomplete) + len(r.Errored)
}

// Detector waits on a table's progress signal and a poll ticker.
type Detector struct {
	opts   Options
	logger *log.Logger

	duration metric.Float64Histogram
	records  metric.Int64Counter
}

// New builds a detector.
func New(opts Options) *Detector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StabilityPolls <= 0 {
		opts.StabilityPolls = defaultStabilityPolls
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &Detector{opts: opts, logger: logger}
	meter := otel.Meter("completion")
	d.duration, _ = meter.Float64Histogram("batch.duration",
		metric.WithDescription("Time from first poll to finalisation"),
		metric.WithUnit("s"))
	d.records, _ = meter.Int64Counter("completion.records",
		metric.WithDescription("Finalised records by outcome"),
		metric.WithUnit("{record}"))
	return d
}

// Await blocks until the batch is done enough, then finalises the table. Partial completion
// is a normal outcome, not an error.
func (d *Detector) Await(ctx context.Context, table *correlation.Table) Result {
	started := time.Now()
	reason, polls := d.wait(ctx, table)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	partition, err := table.Finalize(finalCtx)
	result := Result{
		Complete:   partition.Complete,
		Incomplete: partition.Incomplete,
		Errored:    partition.Errored,
		Reason:     reason,
		Polls:      polls,
		Elapsed:    time.Since(started),
		Err:        err,
	}
	if err != nil {
		d.logger.Printf("completion %s: finalize failed: %v", table.Name(), err)
	}
	d.logger.Printf("completion %s: %s after %s (%d polls): complete=%d incomplete=%d errored=%d",
		table.Name(), reason, result.Elapsed.Round(time.Millisecond), polls,
		len(result.Complete), len(result.Incomplete), len(result.Errored))
	d.record(finalCtx, result)
	return result
}

func (d *Detector) wait(ctx context.Context, table *correlation.Table) (Reason, int) {
	var timeout <-chan time.Time
	if d.opts.AbsoluteTimeout > 0 {
		timer := time.NewTimer(d.opts.AbsoluteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	if ctx.Err() != nil {
		return ReasonCancelled, 0
	}
	last, err := table.Pending(ctx)
	if err != nil {
		return ReasonCancelled, 0
	}
	if last == 0 {
		return ReasonAllTerminal, 0
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	// the baseline reading counts as the first poll
	polls, identical := 0, 1
	for {
		select {
		case <-ctx.Done():
			return ReasonCancelled, polls
		case <-timeout:
			return ReasonTimeout, polls
		case <-table.Progress():
			live, err := table.Pending(ctx)
			if err != nil {
				return ReasonCancelled, polls
			}
			if live == 0 {
				return ReasonAllTerminal, polls
			}
		case <-ticker.C:
			polls++
			live, err := table.Pending(ctx)
			if err != nil {
				return ReasonCancelled, polls
			}
			if live == 0 {
				return ReasonAllTerminal, polls
			}
			if live < last {
				last, identical = live, 1
				continue
			}
			identical++
			if identical >= d.opts.StabilityPolls {
				return ReasonStalled, polls
			}
		}
	}
}

func (d *Detector) record(ctx context.Context, r Result) {
	if d.duration != nil {
		d.duration.Record(ctx, r.Elapsed.Seconds(), metric.WithAttributes(
			telemetry.BatchAttributes(telemetry.Environment(), d.opts.Job, "")...))
	}
	if d.records == nil {
		return
	}
	env := telemetry.Environment()
	for outcome, n := range map[string]int{
		telemetry.OutcomeComplete:   len(r.Complete),
		telemetry.OutcomeIncomplete: len(r.Incomplete),
		telemetry.OutcomeErrored:    len(r.Errored),
	} {
		if n == 0 {
			continue
		}
		d.records.Add(ctx, int64(n), metric.WithAttributes(
			telemetry.OutcomeAttributes(env, d.opts.Job, outcome, string(r.Reason))...))
	}
}
