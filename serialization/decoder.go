package serialization

import (
	"bufio"
	"encoding/binary"
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
	"github.com/smnsjas/go-hessian/objects"
	"github.com/smnsjas/go-hessian/refs"
)

// Decoder reads Hessian values from an io.Reader.
//
// A Decoder is one session: back-references and class handles stay valid
// across Decode calls until Reset. It reads ahead through a buffer, so
// bytes following the last value may be consumed from the source.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r   *bufio.Reader
	off int64

	refs    *refs.Reader
	classes *classdesc.Reader
	reg     *Registry
	log     *slog.Logger

	depth      int
	maxDepth   int
	maxChunked int
	strict     bool

	str     *chunk.Assembler[uint16]
	bin     *chunk.Assembler[byte]
	units   []uint16
	scratch [8]byte

	converted map[convKey]reflect.Value
	convDepth int
}

var decoderPool = sync.Pool{
	New: func() interface{} {
		return &Decoder{
			r:       bufio.NewReaderSize(nil, 4096),
			refs:    refs.NewReader(),
			classes: classdesc.NewReader(),
		}
	},
}

// NewDecoder returns a Decoder reading from r. Release it with Close.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	cfg := newConfig(opts)
	d := decoderPool.Get().(*Decoder)
	d.reg = cfg.registry
	d.log = cfg.logger
	d.maxDepth = cfg.maxDepth
	d.strict = cfg.strict
	if d.str == nil || d.maxChunked != cfg.maxChunked {
		d.str = chunk.NewAssembler[uint16](cfg.maxChunked)
		d.bin = chunk.NewAssembler[byte](cfg.maxChunked)
	}
	d.maxChunked = cfg.maxChunked
	d.Reset(r)
	return d
}

// Close returns the Decoder to the pool.
func (d *Decoder) Close() {
	if d == nil {
		return
	}
	d.Reset(nil)
	decoderPool.Put(d)
}

// Reset discards session state and buffered input and reads further
// values from r.
func (d *Decoder) Reset(r io.Reader) {
	d.r.Reset(r)
	d.off = 0
	d.refs.Reset()
	d.classes.Reset()
	d.depth = 0
	d.convDepth = 0
	clear(d.converted)
}

// Registry returns the registry the Decoder resolves type names with.
func (d *Decoder) Registry() *Registry {
	return d.reg
}

// Logger returns the Decoder's logger.
func (d *Decoder) Logger() *slog.Logger {
	return d.log
}

// Strict reports whether field assignment failures are fatal.
func (d *Decoder) Strict() bool {
	return d.strict
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.off
}

// Decode reads the next value. It returns io.EOF when the stream ends
// cleanly between values.
func (d *Decoder) Decode() (any, error) {
	if _, err := d.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("hessian: read: %w", err)
	}
	d.depth = 0
	d.convDepth = 0
	clear(d.converted)
	return d.DecodeValue()
}

// DecodeInto reads the next value and stores it in the value target
// points to, converting numbers, collections and objects as needed.
func (d *Decoder) DecodeInto(target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &FieldAssignmentError{Target: reflect.TypeOf(target), Err: errors.New("target must be a non-nil pointer")}
	}
	v, err := d.Decode()
	if err != nil {
		return err
	}
	if err := d.assign(rv.Elem(), v); err != nil {
		var fe *FieldAssignmentError
		if errors.As(err, &fe) {
			return err
		}
		return &FieldAssignmentError{Target: rv.Elem().Type(), Value: v, Err: err}
	}
	return nil
}

// DecodeValue reads one value. Codecs call it for nested values.
func (d *Decoder) DecodeValue() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return d.decodeTagged(tag)
}

func (d *Decoder) decodeTagged(tag byte) (any, error) {
	switch {
	case tag == grammar.TagNull:
		return nil, nil
	case tag == grammar.TagTrue:
		return true, nil
	case tag == grammar.TagFalse:
		return false, nil
	case isIntTag(tag):
		return d.intBody(tag)
	case isLongTag(tag):
		return d.longBody(tag)
	case isDoubleTag(tag):
		return d.doubleBody(tag)
	case tag == grammar.TagDate:
		ms, err := d.readUint(8)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil // #nosec G115 -- two's complement
	case isStringTag(tag):
		return d.stringBody(tag)
	case isBytesTag(tag):
		return d.bytesBody(tag)
	case tag == grammar.TagList:
		return d.readList()
	case tag == grammar.TagMap:
		return d.readMap()
	case tag == grammar.TagObjectDef:
		return d.readObjectDef()
	case tag == grammar.TagObject, tag == grammar.TagObject16, tag == grammar.TagObject32:
		return d.readObject(tag)
	case tag == grammar.RefByte, tag == grammar.RefShort, tag == grammar.TagRef:
		return d.readRef(tag)
	case tag == grammar.TagRemote:
		return d.readRemote()
	}
	return nil, d.errorAt(d.off-1, tag, "unexpected tag", nil)
}

func isIntTag(tag byte) bool {
	return grammar.IsIntDirect(tag) || tag == grammar.IntByte || tag == grammar.IntShort || tag == grammar.TagInt
}

func isLongTag(tag byte) bool {
	return grammar.IsLongDirect(tag) || tag == grammar.LongByte || tag == grammar.LongShort ||
		tag == grammar.LongInt || tag == grammar.TagLong
}

func isDoubleTag(tag byte) bool {
	switch tag {
	case grammar.DoubleZero, grammar.DoubleOne, grammar.DoubleByte, grammar.DoubleShort,
		grammar.DoubleInt, grammar.Double256Short, grammar.TagDouble:
		return true
	}
	return false
}

func isStringTag(tag byte) bool {
	return grammar.IsStringDirect(tag) || tag == grammar.TagString || tag == grammar.TagStringPart
}

func isBytesTag(tag byte) bool {
	return grammar.IsBytesDirect(tag) || tag == grammar.TagBytes || tag == grammar.TagBytesPart
}

// errorAt returns a ProtocolError for the byte at off.
func (d *Decoder) errorAt(off int64, tag byte, msg string, err error) error {
	return &ProtocolError{Tag: tag, Offset: off, Msg: msg, Err: err}
}

func (d *Decoder) ioError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Offset: d.off, Msg: "truncated stream", Err: io.ErrUnexpectedEOF}
	}
	return fmt.Errorf("hessian: read: %w", err)
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, d.ioError(err)
	}
	d.off++
	return b, nil
}

func (d *Decoder) readFull(p []byte) error {
	n, err := io.ReadFull(d.r, p)
	d.off += int64(n)
	if err != nil {
		return d.ioError(err)
	}
	return nil
}

// readUint reads an n byte big-endian unsigned integer, n <= 8.
func (d *Decoder) readUint(n int) (uint64, error) {
	b := d.scratch[:n]
	if err := d.readFull(b); err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(b)), nil
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadTag reads one tag byte.
func (d *Decoder) ReadTag() (byte, error) {
	return d.readByte()
}

// PeekTag returns the next tag byte without consuming it.
func (d *Decoder) PeekTag() (byte, error) {
	b, err := d.r.Peek(1)
	if err != nil {
		return 0, d.ioError(err)
	}
	return b[0], nil
}

// ExpectTag reads one byte and fails unless it is tag.
func (d *Decoder) ExpectTag(tag byte) error {
	b, err := d.readByte()
	if err != nil {
		return err
	}
	if b != tag {
		return d.errorAt(d.off-1, b, "expected "+grammar.TagName(tag), nil)
	}
	return nil
}

// ReadNull reads N.
func (d *Decoder) ReadNull() error {
	return d.ExpectTag(grammar.TagNull)
}

// ReadBool reads T or F.
func (d *Decoder) ReadBool() (bool, error) {
	tag, err := d.readByte()
	if err != nil {
		return false, err
	}
	switch tag {
	case grammar.TagTrue:
		return true, nil
	case grammar.TagFalse:
		return false, nil
	}
	return false, d.errorAt(d.off-1, tag, "expected boolean", nil)
}

// ReadInt reads an int in any of its forms.
func (d *Decoder) ReadInt() (int32, error) {
	tag, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if !isIntTag(tag) {
		return 0, d.errorAt(d.off-1, tag, "expected int", nil)
	}
	return d.intBody(tag)
}

// ReadLong reads a long, or an int widened to a long.
func (d *Decoder) ReadLong() (int64, error) {
	tag, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch {
	case isLongTag(tag):
		return d.longBody(tag)
	case isIntTag(tag):
		i, err := d.intBody(tag)
		return int64(i), err
	}
	return 0, d.errorAt(d.off-1, tag, "expected long", nil)
}

// ReadDouble reads a double, or an int or long widened to a double.
func (d *Decoder) ReadDouble() (float64, error) {
	tag, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch {
	case isDoubleTag(tag):
		return d.doubleBody(tag)
	case isIntTag(tag):
		i, err := d.intBody(tag)
		return float64(i), err
	case isLongTag(tag):
		l, err := d.longBody(tag)
		return float64(l), err
	}
	return 0, d.errorAt(d.off-1, tag, "expected double", nil)
}

// ReadUTCDate reads a date as milliseconds since the epoch.
func (d *Decoder) ReadUTCDate() (int64, error) {
	if err := d.ExpectTag(grammar.TagDate); err != nil {
		return 0, err
	}
	ms, err := d.readUint(8)
	return int64(ms), err // #nosec G115 -- two's complement
}

// ReadTime reads a date as a UTC time.Time.
func (d *Decoder) ReadTime() (time.Time, error) {
	ms, err := d.ReadUTCDate()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ReadString reads a string. N reads as the empty string.
func (d *Decoder) ReadString() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	switch {
	case tag == grammar.TagNull:
		return "", nil
	case isStringTag(tag):
		return d.stringBody(tag)
	}
	return "", d.errorAt(d.off-1, tag, "expected string", nil)
}

// ReadBytes reads a byte blob. N reads as nil.
func (d *Decoder) ReadBytes() ([]byte, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch {
	case tag == grammar.TagNull:
		return nil, nil
	case isBytesTag(tag):
		return d.bytesBody(tag)
	}
	return nil, d.errorAt(d.off-1, tag, "expected bytes", nil)
}

// ReadLenString reads the two byte length and UTF-8 units used for type,
// header and method names.
func (d *Decoder) ReadLenString() (string, error) {
	n, err := d.readUint(2)
	if err != nil {
		return "", err
	}
	d.units, err = d.readUnits(d.units[:0], int(n))
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(d.units)), nil
}

func (d *Decoder) intBody(tag byte) (int32, error) {
	switch {
	case grammar.IsIntDirect(tag):
		return int32(tag) - grammar.IntZero, nil
	case tag == grammar.IntByte:
		u, err := d.readUint(1)
		return int32(int8(u)), err // #nosec G115 -- sign extension
	case tag == grammar.IntShort:
		u, err := d.readUint(2)
		return int32(int16(u)), err // #nosec G115 -- sign extension
	}
	u, err := d.readUint(4)
	return int32(u), err // #nosec G115 -- sign extension
}

func (d *Decoder) longBody(tag byte) (int64, error) {
	switch {
	case grammar.IsLongDirect(tag):
		return int64(tag) - grammar.LongZero, nil
	case tag == grammar.LongByte:
		u, err := d.readUint(1)
		return int64(int8(u)), err // #nosec G115 -- sign extension
	case tag == grammar.LongShort:
		u, err := d.readUint(2)
		return int64(int16(u)), err // #nosec G115 -- sign extension
	case tag == grammar.LongInt:
		u, err := d.readUint(4)
		return int64(int32(u)), err // #nosec G115 -- sign extension
	}
	u, err := d.readUint(8)
	return int64(u), err // #nosec G115 -- two's complement
}

func (d *Decoder) doubleBody(tag byte) (float64, error) {
	switch tag {
	case grammar.DoubleZero:
		return 0, nil
	case grammar.DoubleOne:
		return 1, nil
	case grammar.DoubleByte:
		u, err := d.readUint(1)
		return float64(int8(u)), err // #nosec G115 -- sign extension
	case grammar.DoubleShort:
		u, err := d.readUint(2)
		return float64(int16(u)), err // #nosec G115 -- sign extension
	case grammar.DoubleInt:
		u, err := d.readUint(4)
		return float64(int32(u)), err // #nosec G115 -- sign extension
	case grammar.Double256Short:
		u, err := d.readUint(2)
		return float64(int16(u)) / 256, err // #nosec G115 -- sign extension
	}
	u, err := d.readUint(8)
	return math.Float64frombits(u), err
}

// readUnits reads n code units, each one to three UTF-8 bytes.
func (d *Decoder) readUnits(dst []uint16, n int) ([]uint16, error) {
	for range n {
		b, err := d.readByte()
		if err != nil {
			return dst, err
		}
		switch {
		case b < 0x80:
			dst = append(dst, uint16(b))
		case b&0xe0 == 0xc0:
			b1, err := d.continuation()
			if err != nil {
				return dst, err
			}
			dst = append(dst, uint16(b&0x1f)<<6|uint16(b1))
		case b&0xf0 == 0xe0:
			b1, err := d.continuation()
			if err != nil {
				return dst, err
			}
			b2, err := d.continuation()
			if err != nil {
				return dst, err
			}
			dst = append(dst, uint16(b&0x0f)<<12|uint16(b1)<<6|uint16(b2))
		default:
			return dst, d.errorAt(d.off-1, b, "invalid string unit", nil)
		}
	}
	return dst, nil
}

func (d *Decoder) continuation() (byte, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b&0xc0 != 0x80 {
		return 0, d.errorAt(d.off-1, b, "invalid string unit", nil)
	}
	return b & 0x3f, nil
}

// chunkHeader parses the header of a string or byte chunk starting with tag.
func (d *Decoder) chunkHeader(tag byte, k chunk.Kind) (chunk.Header, error) {
	h, err := chunk.ParseTag(tag, k)
	if err != nil {
		return h, d.errorAt(d.off-1, tag, "invalid chunk", err)
	}
	if h.Extended {
		n, err := d.readUint(2)
		if err != nil {
			return h, err
		}
		h.Length = int(n)
	}
	return h, nil
}

func (d *Decoder) stringBody(tag byte) (string, error) {
	d.str.Reset()
	for {
		start := d.off - 1
		h, err := d.chunkHeader(tag, chunk.String)
		if err != nil {
			return "", err
		}
		if err := d.str.Grow(h.Length); err != nil {
			return "", d.errorAt(start, tag, "string too long", err)
		}
		d.units, err = d.readUnits(d.units[:0], h.Length)
		if err != nil {
			return "", err
		}
		if _, err := d.str.Add(d.units, h.Final); err != nil {
			return "", d.errorAt(start, tag, "string too long", err)
		}
		if h.Final {
			return string(utf16.Decode(d.str.Value())), nil
		}
		if tag, err = d.readByte(); err != nil {
			return "", err
		}
	}
}

func (d *Decoder) bytesBody(tag byte) ([]byte, error) {
	d.bin.Reset()
	for {
		start := d.off - 1
		h, err := d.chunkHeader(tag, chunk.Bytes)
		if err != nil {
			return nil, err
		}
		if err := d.bin.Grow(h.Length); err != nil {
			return nil, d.errorAt(start, tag, "byte blob too long", err)
		}
		buf := d.bin.Value()
		part := buf[len(buf):cap(buf)][:h.Length]
		if err := d.readFull(part); err != nil {
			return nil, err
		}
		if _, err := d.bin.Add(part, h.Final); err != nil {
			return nil, d.errorAt(start, tag, "byte blob too long", err)
		}
		if h.Final {
			out := make([]byte, d.bin.Len())
			copy(out, d.bin.Value())
			return out, nil
		}
		if tag, err = d.readByte(); err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) enter() error {
	d.depth++
	if d.depth > d.maxDepth {
		return fmt.Errorf("%w: %d", ErrMaxRecursionDepth, d.maxDepth)
	}
	return nil
}

func (d *Decoder) leave() {
	d.depth--
}

// readTypeName reads an optional t-prefixed type name.
func (d *Decoder) readTypeName() (string, error) {
	tag, err := d.PeekTag()
	if err != nil || tag != grammar.TagType {
		return "", err
	}
	_, _ = d.readByte()
	return d.ReadLenString()
}

// codecFor returns the codec for a wire type name, falling back to the
// generic codec for unknown names and names of scalar types.
func (d *Decoder) codecFor(name string) Codec {
	c, _ := d.reg.decoder(name)
	if c == nil {
		return genericCodec{}
	}
	if _, ok := c.(BaseCodec); ok {
		return genericCodec{}
	}
	return c
}

func (d *Decoder) readList() (any, error) {
	ref := d.refs.Reserve()
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	typ, err := d.readTypeName()
	if err != nil {
		return nil, err
	}
	length := -1
	tag, err := d.PeekTag()
	if err != nil {
		return nil, err
	}
	if grammar.IsListLength(tag) {
		_, _ = d.readByte()
		switch {
		case grammar.IsLengthDirect(tag):
			length = int(tag - grammar.LengthDirect)
		case tag == grammar.LengthByte:
			n, err := d.readUint(1)
			if err != nil {
				return nil, err
			}
			length = int(n)
		default:
			n, err := d.readUint(4)
			if err != nil {
				return nil, err
			}
			if n > math.MaxInt32 {
				return nil, d.errorAt(d.off-5, tag, "invalid list length", nil)
			}
			length = int(n)
		}
	}

	v, err := d.codecFor(typ).DecodeList(d, ref, typ, length)
	if err != nil {
		return nil, err
	}
	d.refs.Set(ref, v)
	return v, nil
}

// ListElements calls fn for each list element until the end marker, or
// exactly length times when length is not negative. fn must consume one
// value per call.
func (d *Decoder) ListElements(length int, fn func(i int) error) error {
	for i := 0; length < 0 || i < length; i++ {
		tag, err := d.PeekTag()
		if err != nil {
			return err
		}
		if tag == grammar.TagEnd {
			if length >= 0 {
				return d.errorAt(d.off, tag, fmt.Sprintf("list ended after %d of %d elements", i, length), nil)
			}
			_, _ = d.readByte()
			return nil
		}
		if err := fn(i); err != nil {
			return fmt.Errorf("list element %d: %w", i, err)
		}
	}
	return d.expectEnd(fmt.Sprintf("list longer than %d elements", length))
}

// MapEntries calls fn for each key/value pair until the end marker.
func (d *Decoder) MapEntries(fn func(k, v any) error) error {
	for {
		tag, err := d.PeekTag()
		if err != nil {
			return err
		}
		if tag == grammar.TagEnd {
			_, _ = d.readByte()
			return nil
		}
		k, err := d.DecodeValue()
		if err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		v, err := d.DecodeValue()
		if err != nil {
			return fmt.Errorf("map value %v: %w", k, err)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
}

func (d *Decoder) expectEnd(msg string) error {
	tag, err := d.readByte()
	if err != nil {
		return err
	}
	if tag != grammar.TagEnd {
		return d.errorAt(d.off-1, tag, msg, nil)
	}
	return nil
}

func (d *Decoder) readMap() (any, error) {
	ref := d.refs.Reserve()
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	typ, err := d.readTypeName()
	if err != nil {
		return nil, err
	}
	v, err := d.codecFor(typ).DecodeMap(d, ref, typ)
	if err != nil {
		return nil, err
	}
	d.refs.Set(ref, v)
	return v, nil
}

func (d *Decoder) readObjectDef() (any, error) {
	start := d.off - 1
	typ, err := d.ReadLenString()
	if err != nil {
		return nil, err
	}
	n, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, d.errorAt(start, grammar.TagObjectDef, fmt.Sprintf("negative field count %d", n), nil)
	}

	fields := make([]string, 0, min(int(n), 64))
	for range n {
		f, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%s field names: %w", typ, err)
		}
		fields = append(fields, f)
	}
	def := classdesc.Definition{Type: typ, Fields: fields}
	d.classes.Define(def)
	return d.readInstance(def)
}

func (d *Decoder) readObject(tag byte) (any, error) {
	start := d.off - 1
	var size int
	switch tag {
	case grammar.TagObject:
		size = 1
	case grammar.TagObject16:
		size = 2
	default:
		size = 4
	}
	h, err := d.readUint(size)
	if err != nil {
		return nil, err
	}
	def, err := d.classes.Get(int(h)) // #nosec G115 -- at most 32 bits
	if err != nil {
		return nil, d.errorAt(start, tag, "undefined class", err)
	}
	return d.readInstance(def)
}

func (d *Decoder) readInstance(def classdesc.Definition) (any, error) {
	ref := d.refs.Reserve()
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	v, err := d.codecFor(def.Type).DecodeObject(d, ref, def)
	if err != nil {
		return nil, err
	}
	d.refs.Set(ref, v)
	return v, nil
}

func (d *Decoder) readRef(tag byte) (any, error) {
	var size int
	switch tag {
	case grammar.RefByte:
		size = 1
	case grammar.RefShort:
		size = 2
	default:
		size = 4
	}
	id, err := d.readUint(size)
	if err != nil {
		return nil, err
	}
	v, err := d.refs.Get(int(id)) // #nosec G115 -- at most 32 bits
	if err != nil {
		return nil, &ReferenceError{Ref: int(id), Err: err} // #nosec G115 -- at most 32 bits
	}
	return v, nil
}

func (d *Decoder) readRemote() (any, error) {
	if err := d.ExpectTag(grammar.TagType); err != nil {
		return nil, err
	}
	typ, err := d.ReadLenString()
	if err != nil {
		return nil, err
	}
	if err := d.ExpectTag(grammar.TagString); err != nil {
		return nil, err
	}
	url, err := d.ReadLenString()
	if err != nil {
		return nil, err
	}
	return &objects.Remote{Type: typ, URL: url}, nil
}

// SetRef binds a reference to its decoded value. Binding again replaces
// the value for later back-references.
func (d *Decoder) SetRef(ref int, v any) {
	d.refs.Set(ref, v)
}

// Ref returns the value bound to a reference.
func (d *Decoder) Ref(ref int) (any, error) {
	v, err := d.refs.Get(ref)
	if err != nil {
		return nil, &ReferenceError{Ref: ref, Err: err}
	}
	return v, nil
}
