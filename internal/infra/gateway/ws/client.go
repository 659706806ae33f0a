// Package ws implements the broker gateway as JSON frames over a websocket bridge.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/sigma/internal/infra/gateway"
)

const (
	defaultControlInterval = 50 * time.Millisecond
	defaultPingInterval    = 20 * time.Second
	defaultPingTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultReadLimit       = 2 * 1024 * 1024
	defaultEventBuffer     = 4096
)

// Options configures the websocket gateway.
type Options struct {
	URL             string
	ClientID        int
	ReadLimit       int64
	PingInterval    time.Duration
	ControlInterval time.Duration
	EventBuffer     int
	Logger          *log.Logger
	// Errors receives transport faults. Sends never block.
	Errors chan<- error
}

type wsFrame struct {
	Op       string              `json:"op"`
	Seq      uint64              `json:"seq,omitempty"`
	ClientID int                 `json:"clientId,omitempty"`
	Request  *gateway.Request    `json:"request,omitempty"`
	ID       int64               `json:"id,omitempty"`
	Kind     gateway.RequestKind `json:"kind,omitempty"`
}

type wsEnvelope struct {
	Type   string          `json:"type"`
	Events []gateway.Event `json:"events"`
}

// Client is a single websocket session with the bridge. It does not redial:
// correlation ids do not survive a reconnect, so a dropped link ends the event stream.
type Client struct {
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	seq     atomic.Uint64
	events  chan gateway.Event
	started atomic.Bool
	wg      sync.WaitGroup

	controlMu       sync.Mutex
	lastControlSend time.Time

	closeOnce sync.Once
}

// New builds an unconnected client.
func New(opts Options) *Client {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ControlInterval <= 0 {
		opts.ControlInterval = defaultControlInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan gateway.Event, opts.EventBuffer),
	}
}

var _ gateway.Gateway = (*Client)(nil)

// Events implements gateway.Gateway.
func (c *Client) Events() <-chan gateway.Event { return c.events }

// Connect dials the bridge once and announces the client id.
func (c *Client) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.opts.URL) == "" {
		return errors.New("ws gateway: url required")
	}
	if c.started.Load() {
		return errors.New("ws gateway: already connected")
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	hello := wsFrame{Op: "hello", Seq: c.seq.Add(1), ClientID: c.opts.ClientID}
	if err := c.write(ctx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("ws gateway hello: %w", err)
	}
	if !c.started.CompareAndSwap(false, true) {
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connect")
		return errors.New("ws gateway: already connected")
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.run(conn)
	c.logger.Printf("ws gateway: connected to %s as client %d", c.opts.URL, c.opts.ClientID)
	return nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	connCtx, connCancel := context.WithCancel(c.ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.pingLoop(connCtx, conn)
	}()

	firstErr := <-errCh
	connCancel()

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	wg.Wait()
	close(errCh)

	aggregatedErr := firstErr
	for e := range errCh {
		if aggregatedErr == nil || errors.Is(aggregatedErr, context.Canceled) {
			aggregatedErr = e
		}
	}
	if aggregatedErr != nil && !errors.Is(aggregatedErr, context.Canceled) {
		c.reportError(fmt.Errorf("ws gateway connection: %w", aggregatedErr))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		var envelope wsEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.reportError(fmt.Errorf("decode websocket message: %w", err))
			continue
		}
		switch envelope.Type {
		case "pong":
			continue
		case "ping":
			_ = c.write(ctx, conn, wsFrame{Op: "pong"})
			continue
		}
		for _, ev := range envelope.Events {
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return context.Canceled
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := c.write(pingCtx, conn, wsFrame{Op: "ping"})
			cancel()
			if err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// Send writes one request frame.
func (c *Client) Send(ctx context.Context, req gateway.Request) error {
	conn := c.current()
	if conn == nil {
		return errors.New("ws gateway: not connected")
	}
	frame := wsFrame{Op: "send", Seq: c.seq.Add(1), Request: &req}
	if err := c.write(ctx, conn, frame); err != nil {
		return fmt.Errorf("send request %d: %w", req.ID, err)
	}
	return nil
}

// Cancel asks the broker to stop a subscription. Control frames are paced.
func (c *Client) Cancel(ctx context.Context, id int64, kind gateway.RequestKind) error {
	return c.control(ctx, wsFrame{Op: "cancel", ID: id, Kind: kind})
}

// RequestIDs asks the broker to announce the next valid id.
func (c *Client) RequestIDs(ctx context.Context) error {
	return c.control(ctx, wsFrame{Op: "reqIds"})
}

func (c *Client) control(ctx context.Context, frame wsFrame) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	if err := c.waitForControlWindowLocked(ctx); err != nil {
		return err
	}
	conn := c.current()
	if conn == nil {
		return errors.New("ws gateway: not connected")
	}
	frame.Seq = c.seq.Add(1)
	if err := c.write(ctx, conn, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Op, err)
	}
	return nil
}

func (c *Client) waitForControlWindowLocked(ctx context.Context) error {
	deadline := c.lastControlSend.Add(c.opts.ControlInterval)
	if wait := time.Until(deadline); wait > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("control window wait canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	c.lastControlSend = time.Now()
	return nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Op, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) current() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Close tears the connection down and waits for the loops to exit. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.started.CompareAndSwap(false, true) {
			close(c.events)
		}
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws gateway close: %w", ctx.Err())
	}
}

func (c *Client) reportError(err error) {
	if err == nil {
		return
	}
	c.logger.Printf("ws gateway: %v", err)
	if c.opts.Errors == nil {
		return
	}
	select {
	case c.opts.Errors <- err:
	default:
	}
}
