// Package grammar defines the Hessian 2 wire grammar: tag bytes and the
// numeric boundaries of the compact encodings.
//
// Every multi-byte field on the wire is big-endian.
//
// # Tag Map
//
//	0x01-0x05      int/long byte, short and int narrowed forms
//	0x06-0x0c      double zero, one, byte, short, int and 256-scaled short
//	0x0e           list length, one byte
//	0x10-0x1f      list length, direct (0x10 + n)
//	0x21-0x3f      long, direct (0x30 + v, v in [-15, 15])
//	0x5b, 0x5c     back-reference, one and two byte ids
//	0x80-0xcf      int, direct (0x90 + v, v in [-16, 63])
//	0xd0-0xef      string, direct length (0xd0 + n, n <= 31)
//	0xf0-0xff      bytes, direct length (0xf0 + n, n <= 15)
//
// Letter tags (N, T, F, I, L, D, d, S, s, B, b, V, M, O, o, p, q, R, r, t,
// l, z, c, m, H, f) cover everything else.
package grammar

import "fmt"

// Protocol version written in call and reply envelopes.
const (
	Major = 2
	Minor = 0
)

// Single-letter tags.
const (
	TagNull       byte = 'N'
	TagTrue       byte = 'T'
	TagFalse      byte = 'F'
	TagInt        byte = 'I'
	TagLong       byte = 'L'
	TagDouble     byte = 'D'
	TagDate       byte = 'd'
	TagString     byte = 'S' // final string chunk
	TagStringPart byte = 's' // non-final string chunk
	TagBytes      byte = 'B' // final byte chunk
	TagBytesPart  byte = 'b' // non-final byte chunk
	TagList       byte = 'V'
	TagMap        byte = 'M'
	TagObjectDef  byte = 'O'
	TagObject     byte = 'o' // one byte class handle
	TagObject16   byte = 'p' // two byte class handle
	TagObject32   byte = 'q' // four byte class handle
	TagRef        byte = 'R'
	TagRemote     byte = 'r'
	TagType       byte = 't'
	TagLength     byte = 'l'
	TagEnd        byte = 'z'
	TagCall       byte = 'c'
	TagReply      byte = 'r'
	TagMethod     byte = 'm'
	TagHeader     byte = 'H'
	TagFault      byte = 'f'
)

// Int32 ladder.
const (
	IntDirectMin = -0x10
	IntDirectMax = 0x3f
	IntZero      = 0x90
	IntByte      = 0x01
	IntShort     = 0x02
)

// Int64 ladder.
const (
	LongDirectMin = -0x0f
	LongDirectMax = 0x0f
	LongZero      = 0x30
	LongByte      = 0x03
	LongShort     = 0x04
	LongInt       = 0x05
)

// Double compaction.
const (
	DoubleZero     = 0x06
	DoubleOne      = 0x07
	DoubleByte     = 0x08
	DoubleShort    = 0x09
	DoubleInt      = 0x0b
	Double256Short = 0x0c
)

// Strings, bytes and list lengths.
const (
	StringDirectMax = 0x1f
	StringDirect    = 0xd0
	BytesDirectMax  = 0x0f
	BytesDirect     = 0xf0
	LengthDirectMax = 0x0f
	LengthDirect    = 0x10
	LengthByte      = 0x0e
)

// Back-reference short forms.
const (
	RefByte  = 0x5b
	RefShort = 0x5c
)

// ChunkSize is the length of every non-final string or byte chunk.
// String lengths count UTF-16 code units, byte lengths count bytes.
const ChunkSize = 0x8000

// IsIntDirect reports whether b is a direct-encoded int32.
func IsIntDirect(b byte) bool {
	return b >= IntZero+IntDirectMin && b <= IntZero+IntDirectMax
}

// IsLongDirect reports whether b is a direct-encoded int64.
func IsLongDirect(b byte) bool {
	return b >= LongZero+LongDirectMin && b <= LongZero+LongDirectMax
}

// IsStringDirect reports whether b is a direct-length string chunk.
func IsStringDirect(b byte) bool {
	return b >= StringDirect && b <= StringDirect+StringDirectMax
}

// IsBytesDirect reports whether b is a direct-length byte chunk.
func IsBytesDirect(b byte) bool {
	return b >= BytesDirect
}

// IsLengthDirect reports whether b is a direct list length.
func IsLengthDirect(b byte) bool {
	return b >= LengthDirect && b <= LengthDirect+LengthDirectMax
}

// IsListLength reports whether b starts an explicit list length.
func IsListLength(b byte) bool {
	return IsLengthDirect(b) || b == LengthByte || b == TagLength
}

// TagName returns a short diagnostic name for a tag byte.
func TagName(b byte) string {
	switch {
	case IsIntDirect(b):
		return "int-direct"
	case IsLongDirect(b):
		return "long-direct"
	case IsStringDirect(b):
		return "string-direct"
	case IsBytesDirect(b):
		return "bytes-direct"
	case IsLengthDirect(b):
		return "length-direct"
	}

	switch b {
	case IntByte:
		return "int-byte"
	case IntShort:
		return "int-short"
	case LongByte:
		return "long-byte"
	case LongShort:
		return "long-short"
	case LongInt:
		return "long-int"
	case DoubleZero:
		return "double-zero"
	case DoubleOne:
		return "double-one"
	case DoubleByte:
		return "double-byte"
	case DoubleShort:
		return "double-short"
	case DoubleInt:
		return "double-int"
	case Double256Short:
		return "double-256-short"
	case LengthByte:
		return "length-byte"
	case RefByte:
		return "ref-byte"
	case RefShort:
		return "ref-short"
	case TagNull:
		return "null"
	case TagTrue:
		return "true"
	case TagFalse:
		return "false"
	case TagInt:
		return "int"
	case TagLong:
		return "long"
	case TagDouble:
		return "double"
	case TagDate:
		return "date"
	case TagString:
		return "string"
	case TagStringPart:
		return "string-chunk"
	case TagBytes:
		return "bytes"
	case TagBytesPart:
		return "bytes-chunk"
	case TagList:
		return "list"
	case TagMap:
		return "map"
	case TagObjectDef:
		return "object-def"
	case TagObject:
		return "object"
	case TagObject16:
		return "object16"
	case TagObject32:
		return "object32"
	case TagRef:
		return "ref"
	case TagRemote:
		return "remote"
	case TagType:
		return "type"
	case TagLength:
		return "length"
	case TagEnd:
		return "end"
	case TagCall:
		return "call"
	case TagMethod:
		return "method"
	case TagHeader:
		return "header"
	case TagFault:
		return "fault"
	}
	return fmt.Sprintf("0x%02x", b)
}
