package serialization

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/smnsjas/go-hessian/chunk"
	"github.com/smnsjas/go-hessian/classdesc"
	"github.com/smnsjas/go-hessian/grammar"
	"github.com/smnsjas/go-hessian/refs"
)

// Encoder writes Hessian values to an io.Writer.
//
// An Encoder is one session: back-references and class handles are
// numbered from the first value written until Reset. Output is buffered
// and reaches the writer when the outermost Encode returns or on Flush.
// The primitive Write methods never fail; write errors surface from Flush.
//
// An Encoder is not safe for concurrent use.
type Encoder struct {
	w       io.Writer
	buf     []byte
	units   []uint16
	refs    *refs.Writer
	classes *classdesc.Writer
	reg     *Registry
	log     *slog.Logger

	depth    int
	maxDepth int

	pending    refs.Identity
	hasPending bool

	// err is the first name that did not fit its length prefix.
	err error
}

var encoderPool = sync.Pool{
	New: func() interface{} {
		return &Encoder{
			buf:     make([]byte, 0, 512),
			refs:    refs.NewWriter(),
			classes: classdesc.NewWriter(),
		}
	},
}

// NewEncoder returns an Encoder writing to w. Release it with Close.
func NewEncoder(w io.Writer, opts ...Option) *Encoder {
	cfg := newConfig(opts)
	e := encoderPool.Get().(*Encoder)
	e.Reset(w)
	e.reg = cfg.registry
	e.log = cfg.logger
	e.maxDepth = cfg.maxDepth
	return e
}

// Close returns the Encoder to the pool. Buffered output not yet flushed
// is discarded.
func (e *Encoder) Close() {
	if e == nil {
		return
	}
	e.Reset(nil)
	encoderPool.Put(e)
}

// Reset discards buffered output and session state and directs further
// output to w.
func (e *Encoder) Reset(w io.Writer) {
	e.w = w
	e.buf = e.buf[:0]
	e.refs.Reset()
	e.classes.Reset()
	e.depth = 0
	e.hasPending = false
	e.err = nil
}

// Registry returns the registry the Encoder resolves codecs with.
func (e *Encoder) Registry() *Registry {
	return e.reg
}

// Flush writes buffered output to the underlying writer. If a name was
// rejected since the last Flush, the buffered output is discarded and the
// error returned instead.
func (e *Encoder) Flush() error {
	if err := e.err; err != nil {
		e.err = nil
		e.buf = e.buf[:0]
		return err
	}
	if len(e.buf) == 0 || e.w == nil {
		return nil
	}
	_, err := e.w.Write(e.buf)
	e.buf = e.buf[:0]
	if err != nil {
		return fmt.Errorf("hessian: write: %w", err)
	}
	return nil
}

// Buffered returns the output not yet flushed. The slice is valid until
// the next write.
func (e *Encoder) Buffered() []byte {
	return e.buf
}

// Err returns the first name rejected since the last Flush or Rollback.
func (e *Encoder) Err() error {
	return e.err
}

// Checkpoint marks the end of the buffered output and the session
// tables.
type Checkpoint struct {
	buf, refs, classes int
}

// Checkpoint returns the current state for Rollback.
func (e *Encoder) Checkpoint() Checkpoint {
	return Checkpoint{buf: len(e.buf), refs: e.refs.Len(), classes: e.classes.Len()}
}

// Rollback discards the output, reference ids and class handles added
// since c and clears a rejected name. Output flushed since c cannot be
// recalled; c must not predate a Flush that wrote anything.
func (e *Encoder) Rollback(c Checkpoint) {
	e.buf = e.buf[:min(c.buf, len(e.buf))]
	e.refs.Truncate(c.refs)
	e.classes.Truncate(c.classes)
	e.hasPending = false
	e.depth = 0
	e.err = nil
}

// Encode writes v. The outermost call flushes; a failed value leaves no
// bytes and no reference or class entries behind, so values written
// before it stay decodable.
func (e *Encoder) Encode(v any) error {
	if e.depth > 0 {
		return e.EncodeValue(reflect.ValueOf(v))
	}

	cp := e.Checkpoint()
	err := e.EncodeValue(reflect.ValueOf(v))
	if err == nil {
		err = e.err
	}
	if err != nil {
		e.Rollback(cp)
		return err
	}
	return e.Flush()
}

// EncodeValue writes v without flushing. Codecs call it for nested values.
func (e *Encoder) EncodeValue(v reflect.Value) error {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			break
		}
		v = v.Elem()
	}
	if !v.IsValid() || (v.Kind() == reflect.Interface && v.IsNil()) {
		e.WriteNull()
		return nil
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		e.WriteNull()
		return nil
	}

	e.depth++
	defer func() { e.depth-- }()
	if e.depth > e.maxDepth {
		return fmt.Errorf("%w: %d", ErrMaxRecursionDepth, e.maxDepth)
	}

	e.hasPending = false
	if r, ok := replacerOf(v); ok {
		done, err := e.encodeReplacement(v, r)
		if done || err != nil {
			return err
		}
	}

	codec, err := e.reg.encoder(v.Type())
	if err != nil {
		return err
	}
	return codec.Encode(e, v)
}

// encodeReplacement writes the substitute a Replacer returns in place of
// v. It reports false when v substitutes itself and should be encoded
// normally.
func (e *Encoder) encodeReplacement(v reflect.Value, r Replacer) (bool, error) {
	if e.addRef(v) {
		return true, nil
	}
	repl, err := r.HessianReplace()
	if err != nil {
		return true, fmt.Errorf("replace %s: %w", v.Type(), err)
	}

	rv := reflect.ValueOf(repl)
	if orig, ok := refs.IdentityOf(v); ok {
		if sub, ok := refs.IdentityOf(rv); ok && sub == orig {
			return false, nil
		}
	}

	e.removeRef(v)
	if err := e.EncodeValue(rv); err != nil {
		return true, err
	}
	e.replaceRef(rv, v)
	return true, nil
}

// AddRef prepares a reference for v. When v was written before, AddRef
// writes a back-reference and reports true; the caller writes nothing
// else. Otherwise the next list, map or object begin marker claims a
// reference bound to v.
func (e *Encoder) AddRef(v any) bool {
	return e.addRef(reflect.ValueOf(v))
}

func (e *Encoder) addRef(v reflect.Value) bool {
	id, ok := refs.IdentityOf(v)
	if !ok {
		e.hasPending = false
		return false
	}
	if ref, ok := e.refs.Lookup(id); ok {
		e.WriteRef(ref)
		return true
	}
	e.pending, e.hasPending = id, true
	return false
}

// RemoveRef forgets v, whether it is waiting for a begin marker or
// already holds a reference.
func (e *Encoder) RemoveRef(v any) {
	e.removeRef(reflect.ValueOf(v))
}

func (e *Encoder) removeRef(v reflect.Value) {
	id, ok := refs.IdentityOf(v)
	if !ok {
		return
	}
	if e.hasPending && e.pending == id {
		e.hasPending = false
		return
	}
	e.refs.Remove(id)
}

// ReplaceRef moves the reference held by old to new, so later
// occurrences of new are written as back-references to old's value.
func (e *Encoder) ReplaceRef(old, new any) {
	e.replaceRef(reflect.ValueOf(old), reflect.ValueOf(new))
}

func (e *Encoder) replaceRef(old, new reflect.Value) {
	oid, ok := refs.IdentityOf(old)
	if !ok {
		return
	}
	nid, ok := refs.IdentityOf(new)
	if !ok {
		return
	}
	e.refs.Replace(oid, nid)
}

// claimRef consumes one reference for a begin marker.
func (e *Encoder) claimRef() {
	if e.hasPending {
		e.refs.Add(e.pending)
		e.hasPending = false
		return
	}
	e.refs.Reserve()
}

// WriteNull writes N.
func (e *Encoder) WriteNull() {
	e.buf = append(e.buf, grammar.TagNull)
}

// WriteBool writes T or F.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, grammar.TagTrue)
	} else {
		e.buf = append(e.buf, grammar.TagFalse)
	}
}

// WriteInt writes v in the shortest int form.
func (e *Encoder) WriteInt(v int32) {
	switch {
	case v >= grammar.IntDirectMin && v <= grammar.IntDirectMax:
		e.buf = append(e.buf, byte(grammar.IntZero+v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		e.buf = append(e.buf, grammar.IntByte, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		e.buf = append(e.buf, grammar.IntShort, byte(v>>8), byte(v))
	default:
		e.buf = append(e.buf, grammar.TagInt, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// WriteLong writes v in the shortest long form.
func (e *Encoder) WriteLong(v int64) {
	switch {
	case v >= grammar.LongDirectMin && v <= grammar.LongDirectMax:
		e.buf = append(e.buf, byte(grammar.LongZero+v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		e.buf = append(e.buf, grammar.LongByte, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		e.buf = append(e.buf, grammar.LongShort, byte(v>>8), byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.buf = append(e.buf, grammar.LongInt, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		e.buf = append(e.buf, grammar.TagLong,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// WriteDouble writes v, using a compact form when it loses nothing.
// -0.0 is written as 0.0.
func (e *Encoder) WriteDouble(v float64) {
	switch v {
	case 0:
		e.buf = append(e.buf, grammar.DoubleZero)
		return
	case 1:
		e.buf = append(e.buf, grammar.DoubleOne)
		return
	}

	if v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32 {
		i := int32(v)
		switch {
		case i >= math.MinInt8 && i <= math.MaxInt8:
			e.buf = append(e.buf, grammar.DoubleByte, byte(i))
		case i >= math.MinInt16 && i <= math.MaxInt16:
			e.buf = append(e.buf, grammar.DoubleShort, byte(i>>8), byte(i))
		default:
			e.buf = append(e.buf, grammar.DoubleInt, byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
		}
		return
	}

	if s := v * 256; s == math.Trunc(s) && s >= math.MinInt16 && s <= math.MaxInt16 {
		i := int16(s)
		e.buf = append(e.buf, grammar.Double256Short, byte(i>>8), byte(i))
		return
	}

	bits := math.Float64bits(v)
	e.buf = append(e.buf, grammar.TagDouble,
		byte(bits>>56), byte(bits>>48), byte(bits>>40), byte(bits>>32),
		byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

// WriteUTCDate writes a date as milliseconds since the epoch.
func (e *Encoder) WriteUTCDate(ms int64) {
	e.buf = append(e.buf, grammar.TagDate,
		byte(ms>>56), byte(ms>>48), byte(ms>>40), byte(ms>>32),
		byte(ms>>24), byte(ms>>16), byte(ms>>8), byte(ms))
}

// WriteTime writes t as a date with millisecond precision.
func (e *Encoder) WriteTime(t time.Time) {
	e.WriteUTCDate(t.UnixMilli())
}

// WriteString writes s in chunks of UTF-16 code units.
func (e *Encoder) WriteString(s string) {
	e.units = appendUnits(e.units[:0], s)
	for _, c := range chunk.Split(len(e.units)) {
		e.buf = c.AppendHeader(e.buf, chunk.String)
		e.buf = appendUTF8Units(e.buf, e.units[c.Offset:c.Offset+c.Length])
	}
}

// WriteBytes writes b in chunks.
func (e *Encoder) WriteBytes(b []byte) {
	for _, c := range chunk.Split(len(b)) {
		e.buf = c.AppendHeader(e.buf, chunk.Bytes)
		e.buf = append(e.buf, b[c.Offset:c.Offset+c.Length]...)
	}
}

// WriteBytesFrom copies r to the stream as a chunked byte blob.
func (e *Encoder) WriteBytesFrom(r io.Reader) error {
	cur := make([]byte, grammar.ChunkSize)
	next := make([]byte, grammar.ChunkSize)

	n, err := readChunk(r, cur)
	if err != nil {
		return err
	}
	for n == grammar.ChunkSize {
		m, err := readChunk(r, next)
		if err != nil {
			return err
		}
		c := chunk.Chunk{Length: n}
		e.buf = c.AppendHeader(e.buf, chunk.Bytes)
		e.buf = append(e.buf, cur[:n]...)
		cur, next, n = next, cur, m
	}

	c := chunk.Chunk{Length: n, Final: true}
	e.buf = c.AppendHeader(e.buf, chunk.Bytes)
	e.buf = append(e.buf, cur[:n]...)
	return nil
}

func readChunk(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("read stream: %w", err)
	}
	return n, nil
}

// appendLenString appends the two byte length and UTF-8 units of s, the
// form type names, header names and method names take. A longer name is
// recorded in e.err and written as empty.
func (e *Encoder) appendLenString(s string) {
	e.units = appendUnits(e.units[:0], s)
	n := len(e.units)
	if n > math.MaxUint16 {
		if e.err == nil {
			e.err = fmt.Errorf("%w: %d units in %.32q...", ErrNameTooLong, n, s)
		}
		n = 0
	}
	e.buf = append(e.buf, byte(n>>8), byte(n))
	e.buf = appendUTF8Units(e.buf, e.units[:n])
}

// WriteListBegin writes a list header. A negative length writes no length,
// as for iterators. typ may be empty.
func (e *Encoder) WriteListBegin(length int, typ string) {
	e.claimRef()
	e.buf = append(e.buf, grammar.TagList)
	if typ != "" {
		e.buf = append(e.buf, grammar.TagType)
		e.appendLenString(typ)
	}

	switch {
	case length < 0:
	case length <= grammar.LengthDirectMax:
		e.buf = append(e.buf, byte(grammar.LengthDirect+length))
	case length <= math.MaxUint8:
		e.buf = append(e.buf, grammar.LengthByte, byte(length))
	default:
		e.buf = append(e.buf, grammar.TagLength, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}
}

// WriteListEnd closes a list.
func (e *Encoder) WriteListEnd() {
	e.buf = append(e.buf, grammar.TagEnd)
}

// WriteMapBegin writes a map header. typ may be empty.
func (e *Encoder) WriteMapBegin(typ string) {
	e.claimRef()
	e.buf = append(e.buf, grammar.TagMap)
	if typ != "" {
		e.buf = append(e.buf, grammar.TagType)
		e.appendLenString(typ)
	}
}

// WriteMapEnd closes a map.
func (e *Encoder) WriteMapEnd() {
	e.buf = append(e.buf, grammar.TagEnd)
}

// WriteObjectBegin writes an object header. The first object of a type
// carries the type name and field names and defines the next class
// handle; later objects carry the handle only. The caller writes the
// field values in the order of ClassFields(handle), with no end marker.
func (e *Encoder) WriteObjectBegin(typ string, fields []string) (handle int, first bool) {
	e.claimRef()
	if h, ok := e.classes.Lookup(typ); ok {
		switch {
		case h <= math.MaxUint8:
			e.buf = append(e.buf, grammar.TagObject, byte(h))
		case h <= math.MaxUint16:
			e.buf = append(e.buf, grammar.TagObject16, byte(h>>8), byte(h))
		default:
			e.buf = append(e.buf, grammar.TagObject32, byte(h>>24), byte(h>>16), byte(h>>8), byte(h))
		}
		return h, false
	}

	h := e.classes.Define(typ, fields)
	e.buf = append(e.buf, grammar.TagObjectDef)
	e.appendLenString(typ)
	e.WriteInt(int32(len(fields))) // #nosec G115 -- field counts are small
	for _, f := range fields {
		e.WriteString(f)
	}
	return h, true
}

// ClassFields returns the field order recorded for a class handle.
func (e *Encoder) ClassFields(handle int) []string {
	return e.classes.Fields(handle)
}

// WriteRemote writes a remote reference.
func (e *Encoder) WriteRemote(typ, url string) {
	e.buf = append(e.buf, grammar.TagRemote, grammar.TagType)
	e.appendLenString(typ)
	e.buf = append(e.buf, grammar.TagString)
	e.appendLenString(url)
}

// WriteRef writes a back-reference to ref.
func (e *Encoder) WriteRef(ref int) {
	switch {
	case ref <= math.MaxUint8:
		e.buf = append(e.buf, grammar.RefByte, byte(ref))
	case ref <= math.MaxUint16:
		e.buf = append(e.buf, grammar.RefShort, byte(ref>>8), byte(ref))
	default:
		e.buf = append(e.buf, grammar.TagRef, byte(ref>>24), byte(ref>>16), byte(ref>>8), byte(ref))
	}
}

// StartCall writes the call envelope header.
func (e *Encoder) StartCall() {
	e.buf = append(e.buf, grammar.TagCall, grammar.Major, grammar.Minor)
}

// WriteHeader writes a header name; the header value follows.
func (e *Encoder) WriteHeader(name string) {
	e.buf = append(e.buf, grammar.TagHeader)
	e.appendLenString(name)
}

// WriteMethod writes the method name of a call; the arguments follow.
func (e *Encoder) WriteMethod(method string) {
	e.buf = append(e.buf, grammar.TagMethod)
	e.appendLenString(method)
}

// CompleteCall closes a call envelope.
func (e *Encoder) CompleteCall() {
	e.buf = append(e.buf, grammar.TagEnd)
}

// StartReply writes the reply envelope header.
func (e *Encoder) StartReply() {
	e.buf = append(e.buf, grammar.TagReply, grammar.Major, grammar.Minor)
}

// CompleteReply closes a reply envelope.
func (e *Encoder) CompleteReply() {
	e.buf = append(e.buf, grammar.TagEnd)
}

// WriteFault writes a fault record. detail is omitted when nil.
func (e *Encoder) WriteFault(code, message string, detail any) error {
	e.buf = append(e.buf, grammar.TagFault)
	e.WriteString("code")
	e.WriteString(code)
	e.WriteString("message")
	e.WriteString(message)
	if detail != nil {
		e.WriteString("detail")
		if err := e.EncodeValue(reflect.ValueOf(detail)); err != nil {
			return fmt.Errorf("fault detail: %w", err)
		}
	}
	e.buf = append(e.buf, grammar.TagEnd)
	return nil
}

// appendUnits appends the UTF-16 code units of s.
func appendUnits(dst []uint16, s string) []uint16 {
	for _, r := range s {
		if r < 0x10000 {
			dst = append(dst, uint16(r)) // #nosec G115 -- r < 0x10000
			continue
		}
		r1, r2 := utf16.EncodeRune(r)
		dst = append(dst, uint16(r1), uint16(r2)) // #nosec G115 -- surrogates fit 16 bits
	}
	return dst
}

// appendUTF8Units appends each code unit as one to three UTF-8 bytes.
// Surrogate halves are written individually.
func appendUTF8Units(dst []byte, units []uint16) []byte {
	for _, u := range units {
		switch {
		case u < 0x80:
			dst = append(dst, byte(u))
		case u < 0x800:
			dst = append(dst, byte(0xc0|u>>6), byte(0x80|u&0x3f))
		default:
			dst = append(dst, byte(0xe0|u>>12), byte(0x80|(u>>6)&0x3f), byte(0x80|u&0x3f))
		}
	}
	return dst
}
