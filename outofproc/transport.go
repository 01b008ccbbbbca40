package outofproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/smnsjas/go-hessian/messages"
	"github.com/smnsjas/go-hessian/serialization"
)

var (
	// ErrBroken is returned by Send after an earlier send failed part way.
	ErrBroken = errors.New("outofproc: transport broken by earlier send failure")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("outofproc: transport closed")
)

// Transport reads and writes envelopes on a reader and a writer (typically
// stdout and stdin of a child process).
//
// Send may be called from several goroutines. Receive and its variants must
// be called from one goroutine at a time.
type Transport struct {
	enc *serialization.Encoder
	dec *serialization.Decoder
	out *countingWriter
	log *slog.Logger

	mu      sync.Mutex // Protects enc, sendErr and closed
	sendErr error
	closed  bool
}

// NewTransport creates a transport. The reader is used for receiving
// envelopes, the writer for sending. Options apply to both sessions.
func NewTransport(reader io.Reader, writer io.Writer, opts ...serialization.Option) *Transport {
	dec := serialization.NewDecoder(reader, opts...)
	out := &countingWriter{w: writer}
	return &Transport{
		enc: serialization.NewEncoder(out, opts...),
		dec: dec,
		out: out,
		log: dec.Logger(),
	}
}

// NewTransportFromReadWriter creates a transport from a single io.ReadWriter.
func NewTransportFromReadWriter(rw io.ReadWriter, opts ...serialization.Option) *Transport {
	return NewTransport(rw, rw, opts...)
}

// Send writes env and flushes it. An envelope that fails to encode leaves
// nothing on the wire. A failed flush may leave part of env written; the
// transport then refuses further sends.
func (t *Transport) Send(env messages.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.sendErr != nil {
		return fmt.Errorf("%w: %v", ErrBroken, t.sendErr)
	}
	written := t.out.n
	if err := env.WriteTo(t.enc); err != nil {
		if t.out.n != written || len(t.enc.Buffered()) > 0 {
			t.sendErr = err
		}
		return fmt.Errorf("send: %w", err)
	}
	if err := t.enc.Flush(); err != nil {
		t.sendErr = err
		return fmt.Errorf("send: %w", err)
	}
	t.log.Debug("sent envelope", slog.String("kind", kind(env)))
	return nil
}

// Receive reads the next call or reply. It returns io.EOF when the stream
// ends between envelopes.
func (t *Transport) Receive() (messages.Envelope, error) {
	return receive(t, messages.Read)
}

// ReceiveCall reads the next envelope, which must be a call.
func (t *Transport) ReceiveCall() (*messages.Call, error) {
	return receive(t, messages.ReadCall)
}

// ReceiveReply reads the next envelope, which must be a reply.
func (t *Transport) ReceiveReply() (*messages.Reply, error) {
	return receive(t, messages.ReadReply)
}

func receive[T messages.Envelope](t *Transport, read func(*serialization.Decoder) (T, error)) (T, error) {
	start := t.dec.Offset()
	env, err := read(t.dec)
	if err != nil {
		var zero T
		if errors.Is(err, io.ErrUnexpectedEOF) && t.dec.Offset() == start {
			return zero, io.EOF
		}
		return zero, fmt.Errorf("receive: %w", err)
	}
	t.log.Debug("received envelope",
		slog.String("kind", kind(env)),
		slog.Int64("bytes", t.dec.Offset()-start))
	return env, nil
}

// Close releases the transport's encoder. It neither closes the
// underlying streams nor interrupts a pending Receive; close the reader
// for that.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.enc.Close()
	t.enc = nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func kind(env messages.Envelope) string {
	switch env := env.(type) {
	case *messages.Call:
		return "call " + env.Method
	case *messages.Reply:
		if env.Fault != nil {
			return "fault " + env.Fault.Code
		}
		return "reply"
	}
	return fmt.Sprintf("%T", env)
}
