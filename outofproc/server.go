package outofproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/smnsjas/go-hessian/messages"
)

// Handler answers one call.
type Handler interface {
	ServeCall(ctx context.Context, call *messages.Call) *messages.Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *messages.Call) *messages.Reply

// ServeCall calls f(ctx, call).
func (f HandlerFunc) ServeCall(ctx context.Context, call *messages.Call) *messages.Reply {
	return f(ctx, call)
}

// Mux dispatches calls by method name. Unknown methods get a
// NoSuchMethodException fault.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any earlier handler.
func (m *Mux) Handle(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// HandleFunc registers f for method.
func (m *Mux) HandleFunc(method string, f func(ctx context.Context, call *messages.Call) *messages.Reply) {
	m.Handle(method, HandlerFunc(f))
}

// ServeCall dispatches call to the handler registered for its method.
func (m *Mux) ServeCall(ctx context.Context, call *messages.Call) *messages.Reply {
	m.mu.RLock()
	h, ok := m.handlers[call.Method]
	m.mu.RUnlock()
	if !ok {
		return messages.NewFaultReply(messages.FaultNoSuchMethod, "no method "+call.Method, nil)
	}
	return h.ServeCall(ctx, call)
}

// Serve reads calls from t and writes each handler's reply until the
// stream ends, ctx is done or a send fails. A clean end of stream returns
// nil. ctx is checked between calls; it does not interrupt a pending read.
//
// A handler that panics is answered with a ServiceException fault. A nil
// reply is sent as a null value.
func Serve(ctx context.Context, t *Transport, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		call, err := t.ReceiveCall()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		t.log.Debug("call", slog.String("method", call.Method), slog.Int("args", len(call.Args)))

		reply := serveOne(ctx, h, call, t.log)
		if err := t.Send(reply); err != nil {
			return err
		}
	}
}

func serveOne(ctx context.Context, h Handler, call *messages.Call, logger *slog.Logger) (reply *messages.Reply) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", slog.String("method", call.Method), slog.Any("panic", r))
			reply = messages.NewFaultReply(messages.FaultService, fmt.Sprintf("%s: %v", call.Method, r), nil)
		}
	}()

	reply = h.ServeCall(ctx, call)
	if reply == nil {
		reply = messages.NewReply(nil)
	}
	return reply
}
