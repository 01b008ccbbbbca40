package outofproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-hessian/messages"
)

// TraceHeader is the header Client stamps on calls that carry no trace
// header of their own.
const TraceHeader = "trace"

type result struct {
	reply *messages.Reply
	err   error
}

// Client issues calls over a Transport and matches replies to calls in
// the order they were sent. It is safe for concurrent use.
type Client struct {
	transport *Transport
	log       *slog.Logger

	// Held across Send so that the order of pending matches the order on
	// the wire. Never held while waiting for mu.
	sendMu sync.Mutex

	// Protects pending, closed and readErr. Never held across I/O.
	mu      sync.Mutex
	pending []chan result
	closed  bool
	readErr error

	trace bool
	done  chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTrace stamps every call with a random TraceHeader unless it has one.
func WithTrace() ClientOption {
	return func(c *Client) {
		c.trace = true
	}
}

// NewClient creates a client and starts its background reader. The
// client owns the transport.
func NewClient(transport *Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		log:       transport.log,
		pending:   make([]chan result, 0, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Start background reader
	go c.readLoop()

	return c
}

// readLoop reads replies and hands each to the oldest waiting call.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		reply, err := c.transport.ReceiveReply()
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.fail(fmt.Errorf("%w: reply without a call", messages.ErrInvalidEnvelope))
			return
		}
		ch := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		ch <- result{reply: reply}
	}
}

// fail records err and wakes every waiting call with it.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr == nil {
		c.readErr = err
	}
	for _, ch := range c.pending {
		ch <- result{err: err}
	}
	c.pending = nil
}

// Invoke sends call and waits for its reply. A fault is returned as a
// reply, not as an error. If ctx ends first the reply is discarded when it
// arrives.
func (c *Client) Invoke(ctx context.Context, call *messages.Call) (*messages.Reply, error) {
	if c.trace {
		if _, ok := call.Header(TraceHeader); !ok {
			stamped := *call
			stamped.Headers = append([]messages.Header{{Name: TraceHeader, Value: uuid.NewString()}}, call.Headers...)
			call = &stamped
		}
	}

	ch := make(chan result, 1)
	c.sendMu.Lock()
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		c.sendMu.Unlock()
		return nil, ErrClosed
	case c.readErr != nil:
		err := c.readErr
		c.mu.Unlock()
		c.sendMu.Unlock()
		return nil, fmt.Errorf("invoke %s: %w", call.Method, err)
	}
	c.pending = append(c.pending, ch)
	c.mu.Unlock()

	err := c.transport.Send(call)
	if err != nil {
		c.forget(ch)
	}
	c.sendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", call.Method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("invoke %s: %w", call.Method, res.err)
		}
		return res.reply, nil
	case <-ctx.Done():
		c.log.Debug("call abandoned", slog.String("method", call.Method), slog.Any("error", ctx.Err()))
		return nil, ctx.Err()
	}
}

// forget drops ch from pending after its call failed to send.
func (c *Client) forget(ch chan result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.pending, ch); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

// Call invokes method with args and returns the reply value. A fault is
// returned as a *messages.Fault error.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	reply, err := c.Invoke(ctx, messages.NewCall(method, args...))
	if err != nil {
		return nil, err
	}
	return reply.Result()
}

// Close stops sending and fails waiting calls. It waits for a send in
// progress; close the underlying writer first if the peer may have stopped
// reading. The background reader exits once the underlying reader returns
// an error; Done reports that.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.Close()
	c.fail(ErrClosed)
	return nil
}

// Done is closed when the background reader has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the background reader, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.readErr, ErrClosed) {
		return nil
	}
	return c.readErr
}
