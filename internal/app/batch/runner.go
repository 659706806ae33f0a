package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/sigma/internal/app/completion"
	"github.com/coachpo/sigma/internal/app/dispatch"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/infra/gateway"
)

const (
	sinkTimeout    = 30 * time.Second
	releaseTimeout = 5 * time.Second
)

// Options configures a runner.
type Options struct {
	RateLimitHz float64
	Completion  completion.Options
	// CompleteWhen overrides every stage's predicate with a JS expression.
	CompleteWhen string
	Sinks        []Sink
	Logger       *log.Logger
	Verbose      bool
	Clock        func() time.Time
}

// Runner executes jobs on a connected session. Stages run one at a time; each gets its
// own correlation table.
type Runner struct {
	sess   *session.Session
	opts   Options
	logger *log.Logger
	script *correlation.Script
}

// NewRunner validates options and compiles the completeWhen override, if any.
func NewRunner(sess *session.Session, opts Options) (*Runner, error) {
	if sess == nil {
		return nil, errors.New("batch runner: session required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Completion.Logger == nil {
		opts.Completion.Logger = logger
	}
	r := &Runner{sess: sess, opts: opts, logger: logger}
	if opts.CompleteWhen != "" {
		script, err := correlation.CompileScript(opts.CompleteWhen)
		if err != nil {
			return nil, fmt.Errorf("batch runner: completeWhen: %w", err)
		}
		r.script = script
	}
	return r, nil
}

// Run generates, dispatches and awaits every stage of job, then hands the report to the
// sinks. A cancelled ctx still yields the partial report alongside the error. Entity space
// errors abort before anything is sent.
func (r *Runner) Run(ctx context.Context, job Job, plan Plan) (Report, error) {
	report := Report{
		BatchID:    uuid.New(),
		Job:        job.Name,
		Instrument: plan.Instrument,
		Name:       plan.Name(),
		Started:    r.opts.Clock(),
	}
	stages, err := job.Build(plan)
	if err != nil {
		return report, fmt.Errorf("job %s: %w", job.Name, err)
	}
	r.logger.Printf("batch %s: job=%s %s, %d stage(s)", report.BatchID, job.Name, plan, len(stages))

	var runErr error
	for _, stage := range stages {
		st, err := r.runStage(ctx, job, stage)
		report.Stages = append(report.Stages, st)
		if err != nil {
			runErr = fmt.Errorf("job %s stage %s: %w", job.Name, stage.Name, err)
			break
		}
	}
	report.Finished = r.opts.Clock()

	complete, incomplete, errored := report.Counts()
	r.logger.Printf("batch %s: finished in %s complete=%d incomplete=%d errored=%d",
		report.BatchID, report.Finished.Sub(report.Started).Round(time.Millisecond), complete, incomplete, errored)

	if err := r.publish(ctx, report); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return report, runErr
}

func (r *Runner) runStage(ctx context.Context, job Job, stage Stage) (StageReport, error) {
	out := StageReport{Name: stage.Name}
	predicate, err := r.predicate(stage)
	if err != nil {
		return out, err
	}
	table := correlation.NewTable(correlation.Options{
		Name:      job.Name + "/" + stage.Name,
		Predicate: predicate,
		Logger:    r.logger,
		Verbose:   r.opts.Verbose,
	})
	defer table.Close()

	dispatcher, err := dispatch.ForSession(r.sess, dispatch.Options{
		Request:     stage.Request,
		Category:    stage.Category,
		RateLimitHz: r.opts.RateLimitHz,
		Logger:      r.logger,
	})
	if err != nil {
		return out, err
	}

	summary, dispatchErr := dispatcher.Dispatch(ctx, table, stage.Descriptors)
	out.Dispatch = summary

	detectorOpts := r.opts.Completion
	detectorOpts.Job = job.Name
	res := completion.New(detectorOpts).Await(ctx, table)
	out.Reason = res.Reason
	out.Polls = res.Polls
	out.Elapsed = res.Elapsed
	out.Complete = len(res.Complete)
	out.Incomplete = len(res.Incomplete)
	out.Errored = len(res.Errored)
	out.Rows = projectResult(stage, res)

	r.release(ctx, table, res.Incomplete)

	if dispatchErr != nil {
		return out, dispatchErr
	}
	if res.Err != nil {
		return out, res.Err
	}
	return out, nil
}

func (r *Runner) predicate(stage Stage) (correlation.Predicate, error) {
	if r.script == nil {
		return stage.Predicate, nil
	}
	return r.script.Predicate(r.logger)
}

// release cancels whatever subscriptions the incomplete records still hold and drops the
// table's routes, so late replies count as unknown ids instead of reaching a sealed table.
func (r *Runner) release(ctx context.Context, table *correlation.Table, incomplete []correlation.Record) {
	if len(incomplete) > 0 && r.sess.Alive() {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		router := r.sess.Router()
		for _, rec := range incomplete {
			for _, kind := range router.Kinds(rec.ID) {
				if kind != gateway.KindQuote && kind != gateway.KindWhatIf {
					continue
				}
				if err := r.sess.Gateway().Cancel(cancelCtx, rec.ID, kind); err != nil {
					r.logger.Printf("batch: cancel %s %d: %v", kind, rec.ID, err)
				}
			}
		}
	}
	released := r.sess.Router().Release(table)
	if r.opts.Verbose {
		r.logger.Printf("batch: released %d route(s) of %s", len(released), table.Name())
	}
}

// publish fans the report out to every sink concurrently.
func (r *Runner) publish(ctx context.Context, report Report) error {
	if len(r.opts.Sinks) == 0 {
		return nil
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	p := pool.New().WithErrors().WithContext(sinkCtx)
	for _, sink := range r.opts.Sinks {
		p.Go(func(ctx context.Context) error {
			if err := sink.Write(ctx, report); err != nil {
				r.logger.Printf("batch %s: sink %s: %v", report.BatchID, sink.Name(), err)
				return fmt.Errorf("sink %s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	return p.Wait()
}
