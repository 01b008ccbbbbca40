// Package chunk plans and reassembles the chunked framing Hessian uses for
// long strings and byte blobs.
//
// A value longer than the chunk size is sent as a run of non-final chunks
// of exactly [grammar.ChunkSize] units followed by one final chunk holding
// the remainder, which may be empty. Units are UTF-16 code units for
// strings and bytes for blobs.
//
// # Chunk Headers
//
//	┌──────────────────────────────┬────────────────────────────┐
//	│ kind, final, length <= max   │ header                     │
//	├──────────────────────────────┼────────────────────────────┤
//	│ string, final, <= 0x1f       │ 0xd0 + length              │
//	│ string, final                │ 'S' length-hi length-lo    │
//	│ string, non-final            │ 's' length-hi length-lo    │
//	│ bytes,  final, <= 0x0f       │ 0xf0 + length              │
//	│ bytes,  final                │ 'B' length-hi length-lo    │
//	│ bytes,  non-final            │ 'b' length-hi length-lo    │
//	└──────────────────────────────┴────────────────────────────┘
//
// # Usage
//
// To frame a value:
//
//	for _, c := range chunk.Split(len(units)) {
//	    buf = c.AppendHeader(buf, chunk.String)
//	    // append units[c.Offset : c.Offset+c.Length]
//	}
//
// To reassemble:
//
//	a := chunk.NewAssembler[byte](maxLen)
//	for {
//	    done, err := a.Add(part, final)
//	    ...
//	}
package chunk

import (
	"errors"
	"fmt"

	"github.com/smnsjas/go-hessian/grammar"
)

// Kind selects the header family of a chunk.
type Kind uint8

const (
	// String chunks count UTF-16 code units.
	String Kind = iota
	// Bytes chunks count raw bytes.
	Bytes
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Bytes:
		return "bytes"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	// ErrInvalidChunk is returned when a chunk header is malformed.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrTooLarge is returned when reassembly would exceed the configured
	// maximum length.
	ErrTooLarge = errors.New("chunked value too large")
	// ErrComplete is returned when a chunk arrives after the final one.
	ErrComplete = errors.New("chunk after final chunk")
)

// Chunk is one piece of a framed value.
type Chunk struct {
	Offset int
	Length int
	Final  bool
}

// Split plans the chunks for a value of n units using the protocol chunk
// size.
func Split(n int) []Chunk {
	return SplitSize(n, grammar.ChunkSize)
}

// SplitSize plans the chunks for a value of n units with non-final chunks
// of exactly size units. A value of exactly size units produces one
// non-final chunk and an empty final chunk.
func SplitSize(n, size int) []Chunk {
	if size <= 0 {
		size = grammar.ChunkSize
	}
	if n < 0 {
		n = 0
	}

	chunks := make([]Chunk, 0, n/size+1)
	offset := 0
	for n-offset >= size {
		chunks = append(chunks, Chunk{Offset: offset, Length: size})
		offset += size
	}
	return append(chunks, Chunk{Offset: offset, Length: n - offset, Final: true})
}

// AppendHeader appends the chunk header for c to dst.
func (c Chunk) AppendHeader(dst []byte, k Kind) []byte {
	direct, directMax, final, part := byte(grammar.StringDirect), grammar.StringDirectMax, grammar.TagString, grammar.TagStringPart
	if k == Bytes {
		direct, directMax, final, part = grammar.BytesDirect, grammar.BytesDirectMax, grammar.TagBytes, grammar.TagBytesPart
	}

	switch {
	case c.Final && c.Length <= directMax:
		return append(dst, direct+byte(c.Length)) // #nosec G115 -- bounded by directMax
	case c.Final:
		return append(dst, final, byte(c.Length>>8), byte(c.Length))
	default:
		return append(dst, part, byte(c.Length>>8), byte(c.Length))
	}
}

// Header is a decoded chunk header.
type Header struct {
	Length int
	Final  bool
	// Extended is set when the length follows the tag in two bytes.
	Extended bool
}

// ParseTag interprets the first byte of a chunk header. For extended
// headers the caller reads the two length bytes and passes them to
// [Header.WithLength].
func ParseTag(tag byte, k Kind) (Header, error) {
	switch k {
	case String:
		switch {
		case grammar.IsStringDirect(tag):
			return Header{Length: int(tag - grammar.StringDirect), Final: true}, nil
		case tag == grammar.TagString:
			return Header{Final: true, Extended: true}, nil
		case tag == grammar.TagStringPart:
			return Header{Extended: true}, nil
		}
	case Bytes:
		switch {
		case grammar.IsBytesDirect(tag):
			return Header{Length: int(tag - grammar.BytesDirect), Final: true}, nil
		case tag == grammar.TagBytes:
			return Header{Final: true, Extended: true}, nil
		case tag == grammar.TagBytesPart:
			return Header{Extended: true}, nil
		}
	}
	return Header{}, fmt.Errorf("%w: %s tag 0x%02x", ErrInvalidChunk, k, tag)
}

// WithLength returns h with the big-endian two byte length hi, lo.
func (h Header) WithLength(hi, lo byte) Header {
	h.Length = int(hi)<<8 | int(lo)
	return h
}

// Unit is the element type a chunked value is made of.
type Unit interface {
	~byte | ~uint16
}

// Assembler reassembles a chunked value.
type Assembler[T Unit] struct {
	buf    []T
	maxLen int
	done   bool
}

// NewAssembler returns an Assembler that rejects values longer than
// maxLen units. A maxLen of zero or less disables the limit.
func NewAssembler[T Unit](maxLen int) *Assembler[T] {
	return &Assembler[T]{maxLen: maxLen}
}

// Add appends one chunk and reports whether the value is complete.
func (a *Assembler[T]) Add(part []T, final bool) (complete bool, err error) {
	if a.done {
		return true, ErrComplete
	}
	if err := a.Grow(len(part)); err != nil {
		return false, err
	}
	a.buf = append(a.buf, part...)
	a.done = final
	return final, nil
}

// Grow checks that n more units fit under the limit and reserves room for
// them.
func (a *Assembler[T]) Grow(n int) error {
	if a.maxLen > 0 && len(a.buf)+n > a.maxLen {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(a.buf)+n, a.maxLen)
	}
	if free := cap(a.buf) - len(a.buf); free < n {
		grown := make([]T, len(a.buf), len(a.buf)+n)
		copy(grown, a.buf)
		a.buf = grown
	}
	return nil
}

// Value returns the units assembled so far.
func (a *Assembler[T]) Value() []T {
	return a.buf
}

// Len returns the number of units assembled so far.
func (a *Assembler[T]) Len() int {
	return len(a.buf)
}

// Reset prepares the Assembler for a new value, keeping its buffer.
func (a *Assembler[T]) Reset() {
	a.buf = a.buf[:0]
	a.done = false
}
