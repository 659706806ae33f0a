// Package session manages the broker connection, id issuance and event routing.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/infra/gateway"
)

const (
	defaultConnectTimeout   = 15 * time.Second
	defaultMaxRetryInterval = 2 * time.Second
	drainTimeout            = time.Second
)

// Options configures a session.
type Options struct {
	// ConnectTimeout bounds dialing plus the wait for the first id issuance.
	ConnectTimeout   time.Duration
	MaxRetryInterval time.Duration
	Logger           *log.Logger
	Verbose          bool
	WarningCodes     []int
}

// Session owns one connection to the broker. It is not reusable after Disconnect.
type Session struct {
	gw     gateway.Gateway
	opts   Options
	logger *log.Logger

	alloc  *Allocator
	router *Router
	demux  *Demux

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	demuxErr  error
	started   bool
	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a session over gw.
func New(gw gateway.Gateway, opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = defaultMaxRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	router := NewRouter()
	alloc := NewAllocator(gw.RequestIDs)
	return &Session{
		gw:     gw,
		opts:   opts,
		logger: logger,
		alloc:  alloc,
		router: router,
		demux: NewDemux(gw.Events(), router, alloc, DemuxOptions{
			Logger:       logger,
			Verbose:      opts.Verbose,
			WarningCodes: opts.WarningCodes,
		}),
		done: make(chan struct{}),
	}
}

// Allocator returns the session's id allocator.
func (s *Session) Allocator() *Allocator { return s.alloc }

// Router returns the session's id router.
func (s *Session) Router() *Router { return s.router }

// Gateway returns the underlying transport.
func (s *Session) Gateway() gateway.Gateway { return s.gw }

// Demux returns the session's event demultiplexer.
func (s *Session) Demux() *Demux { return s.demux }

// Err returns why the demux goroutine stopped, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demuxErr
}

// Alive reports whether the demux goroutine is still consuming events.
func (s *Session) Alive() bool { return s.alive.Load() }

// Done is closed when the demux goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect dials the gateway, starts the demultiplexer and waits for the first id issuance.
// On failure the session is torn down; Disconnect remains safe to call.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected || s.cancel != nil {
		s.mu.Unlock()
		return errors.New("session: connect called twice")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer connectCancel()

	if err := s.dial(connectCtx); err != nil {
		s.teardown(ctx)
		return errs.HandshakeTimeout(err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.alive.Store(true)
	s.wg.Go(func() {
		defer close(s.done)
		defer s.alive.Store(false)
		err := s.demux.Run(runCtx)
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Printf("session: demux stopped: %v", err)
		} else if errors.Is(err, io.EOF) {
			s.logger.Printf("session: event stream closed by transport")
		}
		s.mu.Lock()
		s.demuxErr = err
		s.mu.Unlock()
	})

	if err := s.gw.RequestIDs(connectCtx); err != nil {
		s.teardown(ctx)
		return errs.HandshakeTimeout(fmt.Errorf("request ids: %w", err))
	}
	select {
	case <-s.alloc.Ready():
	case <-s.done:
		s.teardown(ctx)
		return errs.HandshakeTimeout(errors.New("event stream closed before first id"))
	case <-connectCtx.Done():
		s.teardown(ctx)
		return errs.HandshakeTimeout(connectCtx.Err())
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	first, _ := s.alloc.Cursor()
	s.logger.Printf("session: connected, first id %d", first)
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = s.opts.MaxRetryInterval

	for attempt := 1; ; attempt++ {
		err := s.gw.Connect(ctx)
		if err == nil {
			return nil
		}
		s.logger.Printf("session: connect attempt %d failed: %v", attempt, err)
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.opts.MaxRetryInterval
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect after %d attempt(s): %w", attempt, errors.Join(err, ctx.Err()))
		case <-time.After(sleep):
		}
	}
}

// Disconnect cancels subscriptions still outstanding in any routed table, stops the
// demultiplexer and closes the transport. Idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancelOutstanding(ctx)
		err = s.shutdown(ctx)
	})
	return err
}

// teardown releases a half-connected session. It must not depend on the caller's
// possibly expired deadline.
func (s *Session) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := s.shutdown(closeCtx); err != nil {
			s.logger.Printf("session: teardown: %v", err)
		}
	})
}

func (s *Session) cancelOutstanding(ctx context.Context) {
	if !s.Alive() {
		return
	}
	var cancelled int
	for _, table := range s.router.Tables() {
		ids, err := table.PendingIDs(ctx)
		if err != nil {
			continue
		}
		for _, id := range ids {
			for _, kind := range s.router.Kinds(id) {
				if err := s.gw.Cancel(ctx, id, kind); err != nil {
					s.logger.Printf("session: cancel %s %d: %v", kind, id, err)
					continue
				}
				cancelled++
			}
		}
	}
	if cancelled > 0 {
		s.logger.Printf("session: cancelled %d outstanding subscription(s)", cancelled)
	}
}

func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.connected = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if !started {
		close(s.done)
	}

	closeErr := s.gw.Close(ctx)
	s.drain(ctx)
	if closeErr != nil {
		return fmt.Errorf("session: close transport: %w", closeErr)
	}
	return nil
}

// drain discards events still buffered after the demux stopped.
func (s *Session) drain(ctx context.Context) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	events := s.gw.Events()
	var dropped int
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if dropped > 0 {
					s.logger.Printf("session: drained %d late event(s)", dropped)
				}
				return
			}
			dropped++
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}
