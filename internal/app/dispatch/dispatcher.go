// Package dispatch issues one correlated request per entity under a rate limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/domain/entity"
	"github.com/coachpo/sigma/internal/infra/gateway"
	"github.com/coachpo/sigma/internal/infra/telemetry"
)

const defaultRateLimitHz = 40

// IDSource allocates correlation ids.
type IDSource interface {
	Next(ctx context.Context, category session.Category) (int64, error)
}

// Binder routes an id to the table that owns it.
type Binder interface {
	Bind(id int64, table *correlation.Table, kinds ...gateway.RequestKind)
}

// Sender writes wire requests.
type Sender interface {
	Send(ctx context.Context, req gateway.Request) error
}

// Request builds the wire requests issued for one descriptor. Every returned request is
// stamped with the descriptor's id.
type Request func(desc entity.Descriptor) []gateway.Request

// Options configures a dispatcher.
type Options struct {
	// Request expands descriptors into wire requests. Required.
	Request Request
	// Category picks the id namespace per descriptor. Defaults to data.
	Category    func(desc entity.Descriptor) session.Category
	RateLimitHz float64
	Logger      *log.Logger
}

// Summary reports what a dispatch pass did.
type Summary struct {
	Total   int
	Sent    int
	Failed  int
	Skipped int
	Wire    int
	FirstID int64
	LastID  int64
	Elapsed time.Duration
}

// Dispatcher sends descriptors in order, one id each.
type Dispatcher struct {
	ids     IDSource
	binder  Binder
	sender  Sender
	opts    Options
	limiter *rate.Limiter
	logger  *log.Logger

	requestsCounter metric.Int64Counter
}

// New builds a dispatcher. The limiter is shared by every Dispatch call.
func New(ids IDSource, binder Binder, sender Sender, opts Options) (*Dispatcher, error) {
	if ids == nil || binder == nil || sender == nil {
		return nil, errors.New("dispatcher: id source, binder and sender required")
	}
	if opts.Request == nil {
		return nil, errors.New("dispatcher: request builder required")
	}
	if opts.RateLimitHz <= 0 {
		opts.RateLimitHz = defaultRateLimitHz
	}
	if opts.Category == nil {
		opts.Category = func(entity.Descriptor) session.Category { return session.CategoryData }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &Dispatcher{
		ids:     ids,
		binder:  binder,
		sender:  sender,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitHz), 1),
		logger:  logger,
	}
	meter := otel.Meter("dispatch")
	d.requestsCounter, _ = meter.Int64Counter("dispatch.requests",
		metric.WithDescription("Wire requests issued by the dispatcher"),
		metric.WithUnit("{request}"))
	return d, nil
}

// ForSession wires a dispatcher to a connected session.
func ForSession(s *session.Session, opts Options) (*Dispatcher, error) {
	return New(s.Allocator(), s.Router(), s.Gateway(), opts)
}

// Dispatch registers and sends every descriptor in order. Send failures are recorded on
// the table and do not stop the pass; only ctx cancellation aborts, leaving the remaining
// descriptors unregistered.
func (d *Dispatcher) Dispatch(ctx context.Context, table *correlation.Table, descs []entity.Descriptor) (Summary, error) {
	started := time.Now()
	summary := Summary{Total: len(descs)}
	finish := func(err error) (Summary, error) {
		summary.Elapsed = time.Since(started)
		return summary, err
	}

	for i, desc := range descs {
		if err := ctx.Err(); err != nil {
			summary.Skipped = len(descs) - i
			return finish(err)
		}
		id, err := d.ids.Next(ctx, d.opts.Category(desc))
		if err != nil {
			summary.Skipped = len(descs) - i
			return finish(fmt.Errorf("dispatch %s: %w", desc.Key(), err))
		}
		bound := desc.WithID(id)
		if err := table.Register(ctx, bound); err != nil {
			summary.Skipped = len(descs) - i
			return finish(fmt.Errorf("dispatch %s: %w", desc.Key(), err))
		}
		if i == 0 {
			summary.FirstID = id
		}
		summary.LastID = id

		reqs := d.opts.Request(bound)
		kinds := make([]gateway.RequestKind, 0, len(reqs))
		for _, req := range reqs {
			kinds = append(kinds, req.Kind)
		}
		d.binder.Bind(id, table, kinds...)

		failed, err := d.send(ctx, table, id, reqs, &summary)
		if err != nil {
			// the record is registered; leave it to finalisation
			summary.Skipped = len(descs) - i - 1
			return finish(err)
		}
		if failed {
			summary.Failed++
		} else {
			summary.Sent++
		}
	}
	d.logger.Printf("dispatch %s: sent=%d failed=%d ids=%d..%d",
		table.Name(), summary.Sent, summary.Failed, summary.FirstID, summary.LastID)
	return finish(nil)
}

func (d *Dispatcher) send(ctx context.Context, table *correlation.Table, id int64, reqs []gateway.Request, summary *Summary) (bool, error) {
	if len(reqs) == 0 {
		cause := errs.SendFailure(id, errors.New("descriptor expanded to no requests"))
		return true, d.fail(ctx, table, id, cause)
	}
	for _, req := range reqs {
		req.ID = id
		if err := d.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("dispatch id %d: rate limiter: %w", id, err)
		}
		if err := d.sender.Send(ctx, req); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			d.count(ctx, req.Kind, "failed")
			d.logger.Printf("dispatch: send %s id %d failed: %v", req.Kind, id, err)
			return true, d.fail(ctx, table, id, errs.SendFailure(id, err))
		}
		summary.Wire++
		d.count(ctx, req.Kind, "sent")
	}
	return false, nil
}

func (d *Dispatcher) fail(ctx context.Context, table *correlation.Table, id int64, cause error) error {
	if err := table.Fail(ctx, id, cause); err != nil {
		return fmt.Errorf("dispatch id %d: record failure: %w", id, err)
	}
	return nil
}

func (d *Dispatcher) count(ctx context.Context, kind gateway.RequestKind, result string) {
	if d.requestsCounter == nil {
		return
	}
	d.requestsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.RequestAttributes(telemetry.Environment(), string(kind), result)...))
}
