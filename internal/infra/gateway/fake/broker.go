// Package fake provides an in-process scripted broker for tests and dry runs.
package fake

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/sigma/internal/infra/gateway"
)

// Responder scripts the events the broker pushes for one request.
type Responder func(req gateway.Request) []gateway.Event

// Options configures the scripted broker.
type Options struct {
	// FirstID is announced by the first id issuance. Defaults to 1.
	FirstID int64
	// Responder defaults to Quotes.
	Responder Responder
	// Latency delays every reply. Replies for different requests interleave freely.
	Latency time.Duration
	// FailSend rejects a request synchronously.
	FailSend func(req gateway.Request) error
	// FailConnect is consulted on every Connect attempt (1-based).
	FailConnect func(attempt int) error
	// SilentIDs suppresses id issuance so handshakes time out.
	SilentIDs   bool
	EventBuffer int
	Logger      *log.Logger
}

// Broker implements gateway.Gateway in memory.
type Broker struct {
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan gateway.Event
	wg     conc.WaitGroup

	mu        sync.Mutex
	connected bool
	closed    bool
	attempts  int
	nextID    int64
	sent      []gateway.Request
	cancelled []int64
}

var _ gateway.Gateway = (*Broker)(nil)

// New builds a broker. It is inert until Connect.
func New(opts Options) *Broker {
	if opts.FirstID <= 0 {
		opts.FirstID = 1
	}
	if opts.Responder == nil {
		opts.Responder = Quotes()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 8192
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan gateway.Event, opts.EventBuffer),
		nextID: opts.FirstID,
	}
}

// Events implements gateway.Gateway.
func (b *Broker) Events() <-chan gateway.Event { return b.events }

// Connect implements gateway.Gateway.
func (b *Broker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("fake broker: closed")
	}
	b.attempts++
	if b.opts.FailConnect != nil {
		if err := b.opts.FailConnect(b.attempts); err != nil {
			return err
		}
	}
	b.connected = true
	b.logger.Printf("fake broker: connected after %d attempt(s)", b.attempts)
	return nil
}

// Attempts returns how many times Connect was called.
func (b *Broker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// RequestIDs announces the next free id unless ids are silenced.
func (b *Broker) RequestIDs(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errors.New("fake broker: not connected")
	}
	next := b.nextID
	silent := b.opts.SilentIDs
	b.mu.Unlock()
	if silent {
		return nil
	}
	b.deliver(0, []gateway.Event{{Kind: gateway.EventIDs, ID: next}})
	return nil
}

// Send implements gateway.Gateway.
func (b *Broker) Send(ctx context.Context, req gateway.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errors.New("fake broker: not connected")
	}
	if b.opts.FailSend != nil {
		if err := b.opts.FailSend(req); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.sent = append(b.sent, req)
	if req.ID >= b.nextID {
		b.nextID = req.ID + 1
	}
	b.mu.Unlock()

	b.deliver(b.opts.Latency, b.opts.Responder(req))
	return nil
}

// Cancel records the cancellation.
func (b *Broker) Cancel(_ context.Context, id int64, _ gateway.RequestKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, id)
	return nil
}

// Emit pushes arbitrary events, e.g. stale duplicates or unknown ids.
func (b *Broker) Emit(events ...gateway.Event) {
	b.deliver(0, events)
}

func (b *Broker) deliver(delay time.Duration, events []gateway.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	// registered under the lock so Close cannot miss it
	b.wg.Go(func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-b.ctx.Done():
				return
			}
		}
		for _, ev := range events {
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			select {
			case b.events <- ev:
			case <-b.ctx.Done():
				return
			}
		}
	})
	b.mu.Unlock()
}

// Sent returns a copy of every accepted request in send order.
func (b *Broker) Sent() []gateway.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gateway.Request(nil), b.sent...)
}

// Cancelled returns the ids passed to Cancel.
func (b *Broker) Cancelled() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.cancelled...)
}

// Close stops deliveries and closes the event stream. Idempotent.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	b.mu.Unlock()

	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(b.events)
	return nil
}
