// Package messages encodes and decodes Hessian call and reply envelopes.
//
// An envelope wraps values written with package serialization. Both kinds
// open with a tag and the protocol version and may carry named headers:
//
//	call:  'c' 0x02 0x00 ('H' name value)* 'm' method arg* 'z'
//	reply: 'r' 0x02 0x00 ('H' name value)* (value | fault) 'z'
//	fault: 'f' "code" code "message" message ["detail" value] 'z'
//
// Header, method and type names are written as a two byte length followed
// by the name's UTF-8 units. Values, arguments and fault details share one
// serialization session per envelope, so back-references may cross them.
//
// Decoders accept any version bytes.
package messages

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/smnsjas/go-hessian/grammar"
	"github.com/smnsjas/go-hessian/serialization"
)

// Fault codes defined by the protocol.
const (
	FaultProtocol       = "ProtocolException"
	FaultNoSuchObject   = "NoSuchObjectException"
	FaultNoSuchMethod   = "NoSuchMethodException"
	FaultRequireHeader  = "RequireHeaderException"
	FaultService        = "ServiceException"
	FaultIllegalMessage = "IllegalMessageException"
)

var (
	// ErrInvalidEnvelope is returned when the input does not start with a
	// call or reply tag.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Header is a named value carried before the body of an envelope.
type Header struct {
	Name  string
	Value any
}

// Envelope is a Call or a Reply.
type Envelope interface {
	WriteTo(e *serialization.Encoder) error
}

// Call is a method invocation.
type Call struct {
	Method  string
	Headers []Header
	Args    []any
}

// NewCall returns a call of method with args.
func NewCall(method string, args ...any) *Call {
	return &Call{Method: method, Args: args}
}

// Header returns the value of the first header named name.
func (c *Call) Header(name string) (any, bool) {
	return findHeader(c.Headers, name)
}

// WriteTo writes the call to e without flushing. A failed call leaves
// nothing buffered and no reference or class entries behind.
func (c *Call) WriteTo(e *serialization.Encoder) error {
	if c.Method == "" {
		return errors.New("write call: method is required")
	}
	cp := e.Checkpoint()
	if err := c.write(e); err != nil {
		e.Rollback(cp)
		return err
	}
	return nil
}

func (c *Call) write(e *serialization.Encoder) error {
	e.StartCall()
	if err := writeHeaders(e, c.Headers); err != nil {
		return err
	}
	e.WriteMethod(c.Method)
	if err := e.Err(); err != nil {
		return fmt.Errorf("write call method: %w", err)
	}
	for i, arg := range c.Args {
		if err := e.EncodeValue(reflect.ValueOf(arg)); err != nil {
			return fmt.Errorf("write call %s argument %d: %w", c.Method, i, err)
		}
	}
	e.CompleteCall()
	if err := e.Err(); err != nil {
		return fmt.Errorf("write call %s: %w", c.Method, err)
	}
	return nil
}

// Encode returns the call's bytes.
func (c *Call) Encode(opts ...serialization.Option) ([]byte, error) {
	return encode(c, opts)
}

// Reply is the result of a call: a value or a fault.
type Reply struct {
	Headers []Header
	Value   any
	Fault   *Fault
}

// NewReply returns a reply carrying value.
func NewReply(value any) *Reply {
	return &Reply{Value: value}
}

// NewFaultReply returns a reply carrying a fault.
func NewFaultReply(code, message string, detail any) *Reply {
	return &Reply{Fault: &Fault{Code: code, Message: message, Detail: detail}}
}

// Header returns the value of the first header named name.
func (r *Reply) Header(name string) (any, bool) {
	return findHeader(r.Headers, name)
}

// Result returns the reply value, or the fault as an error.
func (r *Reply) Result() (any, error) {
	if r.Fault != nil {
		return nil, r.Fault
	}
	return r.Value, nil
}

// WriteTo writes the reply to e without flushing. A failed reply leaves
// nothing buffered and no reference or class entries behind.
func (r *Reply) WriteTo(e *serialization.Encoder) error {
	cp := e.Checkpoint()
	if err := r.write(e); err != nil {
		e.Rollback(cp)
		return err
	}
	return nil
}

func (r *Reply) write(e *serialization.Encoder) error {
	e.StartReply()
	if err := writeHeaders(e, r.Headers); err != nil {
		return err
	}
	if r.Fault != nil {
		if err := e.WriteFault(r.Fault.Code, r.Fault.Message, r.Fault.Detail); err != nil {
			return fmt.Errorf("write fault: %w", err)
		}
	} else if err := e.EncodeValue(reflect.ValueOf(r.Value)); err != nil {
		return fmt.Errorf("write reply value: %w", err)
	}
	e.CompleteReply()
	if err := e.Err(); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Encode returns the reply's bytes.
func (r *Reply) Encode(opts ...serialization.Option) ([]byte, error) {
	return encode(r, opts)
}

// Fault is a failure reported by the remote side.
type Fault struct {
	Code    string
	Message string
	Detail  any
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return "hessian fault " + f.Code
	}
	return fmt.Sprintf("hessian fault %s: %s", f.Code, f.Message)
}

// Unwrap returns the detail when it is an error, such as a decoded
// *objects.Throwable.
func (f *Fault) Unwrap() error {
	err, _ := f.Detail.(error)
	return err
}

func findHeader(headers []Header, name string) (any, bool) {
	for _, h := range headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return nil, false
}

func writeHeaders(e *serialization.Encoder, headers []Header) error {
	for _, h := range headers {
		e.WriteHeader(h.Name)
		if err := e.Err(); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		if err := e.EncodeValue(reflect.ValueOf(h.Value)); err != nil {
			return fmt.Errorf("write header %s: %w", h.Name, err)
		}
	}
	return nil
}

func encode(env Envelope, opts []serialization.Option) ([]byte, error) {
	var buf bytes.Buffer
	e := serialization.NewEncoder(&buf, opts...)
	defer e.Close()
	if err := env.WriteTo(e); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one call or reply from data.
func Decode(data []byte, opts ...serialization.Option) (Envelope, error) {
	d := serialization.NewDecoder(bytes.NewReader(data), opts...)
	defer d.Close()
	return Read(d)
}

// Read reads one call or reply from d.
func Read(d *serialization.Decoder) (Envelope, error) {
	tag, err := d.PeekTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case grammar.TagCall:
		return ReadCall(d)
	case grammar.TagReply:
		return ReadReply(d)
	}
	return nil, fmt.Errorf("%w: tag %s", ErrInvalidEnvelope, grammar.TagName(tag))
}

// DecodeCall reads a call from data.
func DecodeCall(data []byte, opts ...serialization.Option) (*Call, error) {
	d := serialization.NewDecoder(bytes.NewReader(data), opts...)
	defer d.Close()
	return ReadCall(d)
}

// ReadCall reads a call from d.
func ReadCall(d *serialization.Decoder) (*Call, error) {
	if err := readStart(d, grammar.TagCall); err != nil {
		return nil, fmt.Errorf("read call: %w", err)
	}
	c := &Call{}
	var err error
	if c.Headers, err = readHeaders(d); err != nil {
		return nil, fmt.Errorf("read call: %w", err)
	}
	if err := d.ExpectTag(grammar.TagMethod); err != nil {
		return nil, fmt.Errorf("read call: %w", err)
	}
	if c.Method, err = d.ReadLenString(); err != nil {
		return nil, fmt.Errorf("read call method: %w", err)
	}

	for i := 0; ; i++ {
		tag, err := d.PeekTag()
		if err != nil {
			return nil, fmt.Errorf("read call %s: %w", c.Method, err)
		}
		if tag == grammar.TagEnd {
			_, _ = d.ReadTag()
			return c, nil
		}
		arg, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("read call %s argument %d: %w", c.Method, i, err)
		}
		c.Args = append(c.Args, arg)
	}
}

// DecodeReply reads a reply from data.
func DecodeReply(data []byte, opts ...serialization.Option) (*Reply, error) {
	d := serialization.NewDecoder(bytes.NewReader(data), opts...)
	defer d.Close()
	return ReadReply(d)
}

// ReadReply reads a reply from d.
func ReadReply(d *serialization.Decoder) (*Reply, error) {
	if err := readStart(d, grammar.TagReply); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	r := &Reply{}
	var err error
	if r.Headers, err = readHeaders(d); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	tag, err := d.PeekTag()
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if tag == grammar.TagFault {
		if r.Fault, err = readFault(d); err != nil {
			return nil, fmt.Errorf("read reply fault: %w", err)
		}
	} else if r.Value, err = d.DecodeValue(); err != nil {
		return nil, fmt.Errorf("read reply value: %w", err)
	}

	if err := d.ExpectTag(grammar.TagEnd); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return r, nil
}

func readStart(d *serialization.Decoder, tag byte) error {
	if err := d.ExpectTag(tag); err != nil {
		return err
	}
	// Version bytes.
	for range 2 {
		if _, err := d.ReadTag(); err != nil {
			return err
		}
	}
	return nil
}

func readHeaders(d *serialization.Decoder) ([]Header, error) {
	var headers []Header
	for {
		tag, err := d.PeekTag()
		if err != nil {
			return nil, err
		}
		if tag != grammar.TagHeader {
			return headers, nil
		}
		_, _ = d.ReadTag()
		name, err := d.ReadLenString()
		if err != nil {
			return nil, fmt.Errorf("header name: %w", err)
		}
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		headers = append(headers, Header{Name: name, Value: v})
	}
}

func readFault(d *serialization.Decoder) (*Fault, error) {
	if err := d.ExpectTag(grammar.TagFault); err != nil {
		return nil, err
	}
	f := &Fault{}
	for {
		tag, err := d.PeekTag()
		if err != nil {
			return nil, err
		}
		if tag == grammar.TagEnd {
			_, _ = d.ReadTag()
			return f, nil
		}
		key, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("fault key: %w", err)
		}
		switch key {
		case "code":
			f.Code, err = d.ReadString()
		case "message":
			f.Message, err = d.ReadString()
		case "detail":
			f.Detail, err = d.DecodeValue()
		default:
			_, err = d.DecodeValue()
		}
		if err != nil {
			return nil, fmt.Errorf("fault %s: %w", key, err)
		}
	}
}

var _ io.WriterTo = (*writerTo)(nil)

// writerTo adapts an Envelope to io.WriterTo.
type writerTo struct {
	env  Envelope
	opts []serialization.Option
}

// WriterTo returns an io.WriterTo that writes env in its own session.
func WriterTo(env Envelope, opts ...serialization.Option) io.WriterTo {
	return &writerTo{env: env, opts: opts}
}

func (w *writerTo) WriteTo(dst io.Writer) (int64, error) {
	data, err := encode(w.env, w.opts)
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(data)
	return int64(n), err
}
