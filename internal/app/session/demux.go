package session

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/infra/gateway"
	"github.com/coachpo/sigma/internal/infra/telemetry"
)

const (
	// EndField records an end-of-snapshot marker. Completion never depends on it.
	EndField = correlation.MarkerPrefix + "end"
	// WarningField records informational broker codes that carry an id.
	WarningField = correlation.MarkerPrefix + "warning"
)

// DefaultWarningCodes are broker codes that arrive with an id but do not reject the request
// (delayed market data notices).
var DefaultWarningCodes = []int{10167, 10090}

// DemuxOptions configures the demultiplexer.
type DemuxOptions struct {
	Logger       *log.Logger
	Verbose      bool
	WarningCodes []int
}

// Demux is the single reader of the gateway event stream.
type Demux struct {
	events   <-chan gateway.Event
	router   *Router
	alloc    *Allocator
	logger   *log.Logger
	verbose  bool
	warnings map[int]struct{}

	// owned by Run
	unknownSeen map[int64]struct{}

	routed  atomic.Int64
	unknown atomic.Int64

	routedCounter  metric.Int64Counter
	unknownCounter metric.Int64Counter
}

// NewDemux wires the event stream to the router and allocator.
func NewDemux(events <-chan gateway.Event, router *Router, alloc *Allocator, opts DemuxOptions) *Demux {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	codes := opts.WarningCodes
	if codes == nil {
		codes = DefaultWarningCodes
	}
	warnings := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		warnings[c] = struct{}{}
	}
	d := &Demux{
		events:      events,
		router:      router,
		alloc:       alloc,
		logger:      logger,
		verbose:     opts.Verbose,
		warnings:    warnings,
		unknownSeen: make(map[int64]struct{}),
	}
	meter := otel.Meter("session.demux")
	d.routedCounter, _ = meter.Int64Counter("demux.events.routed",
		metric.WithDescription("Broker events routed to a correlation table"),
		metric.WithUnit("{event}"))
	d.unknownCounter, _ = meter.Int64Counter("demux.events.unknown",
		metric.WithDescription("Broker events for ids no open table owns"),
		metric.WithUnit("{event}"))
	return d
}

// Run consumes events until ctx is cancelled or the stream closes.
func (d *Demux) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.events:
			if !ok {
				return io.EOF
			}
			if err := d.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Routed returns how many events reached a table.
func (d *Demux) Routed() int64 { return d.routed.Load() }

// Unknown returns how many events carried an id no table owned.
func (d *Demux) Unknown() int64 { return d.unknown.Load() }

func (d *Demux) handle(ctx context.Context, ev gateway.Event) error {
	switch ev.Kind {
	case gateway.EventIDs:
		d.alloc.Seed(ev.ID)
		if d.verbose {
			d.logger.Printf("demux: id issuance %d", ev.ID)
		}
		return nil
	case gateway.EventError:
		return d.handleError(ctx, ev)
	case gateway.EventEnd:
		return d.route(ctx, ev, correlation.Update{ID: ev.ID, Field: EndField, Value: "1", At: ev.At})
	case gateway.EventField:
		return d.route(ctx, ev, correlation.Update{ID: ev.ID, Field: ev.Field, Value: ev.Value, At: ev.At})
	default:
		d.logger.Printf("demux: ignoring event kind %q for id %d", ev.Kind, ev.ID)
		return nil
	}
}

func (d *Demux) handleError(ctx context.Context, ev gateway.Event) error {
	if !ev.HasID() {
		d.logger.Printf("demux: broker notice %d: %s", ev.Code, ev.Message)
		return nil
	}
	if _, warn := d.warnings[ev.Code]; warn {
		return d.route(ctx, ev, correlation.Update{ID: ev.ID, Field: WarningField, Value: strconv.Itoa(ev.Code), At: ev.At})
	}
	table, ok := d.router.Lookup(ev.ID)
	if !ok {
		d.noteUnknown(ctx, ev)
		return nil
	}
	cause := errs.New("broker/error", errs.CodeGateway,
		errs.WithRequestID(ev.ID),
		errs.WithRawCode(strconv.Itoa(ev.Code)),
		errs.WithMessage(ev.Message),
		errs.WithCanonicalCode(errs.CanonicalRejected))
	d.logger.Printf("demux: id %d rejected: %d %s", ev.ID, ev.Code, ev.Message)
	return d.deliver(ctx, ev, table.Fail(ctx, ev.ID, cause))
}

func (d *Demux) route(ctx context.Context, ev gateway.Event, u correlation.Update) error {
	table, ok := d.router.Lookup(u.ID)
	if !ok {
		d.noteUnknown(ctx, ev)
		return nil
	}
	return d.deliver(ctx, ev, table.Update(ctx, u))
}

func (d *Demux) deliver(ctx context.Context, ev gateway.Event, err error) error {
	switch {
	case err == nil:
		d.routed.Add(1)
		if d.routedCounter != nil {
			d.routedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(ev.Kind))...))
		}
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errs.Is(err, errs.CanonicalTableClosed):
		if d.verbose {
			d.logger.Printf("demux: table for id %d already closed", ev.ID)
		}
		return nil
	default:
		return err
	}
}

func (d *Demux) noteUnknown(ctx context.Context, ev gateway.Event) {
	d.unknown.Add(1)
	if d.unknownCounter != nil {
		d.unknownCounter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(ev.Kind))...))
	}
	if _, seen := d.unknownSeen[ev.ID]; seen {
		return
	}
	d.unknownSeen[ev.ID] = struct{}{}
	d.logger.Printf("demux: %v", errs.New("demux/route", errs.CodeNotFound,
		errs.WithRequestID(ev.ID),
		errs.WithCanonicalCode(errs.CanonicalUnknownCorrelationID),
		errs.WithField("kind", string(ev.Kind))))
}
