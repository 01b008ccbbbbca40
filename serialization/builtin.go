package serialization

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-hessian/classdesc"
	"github.com/smnsjas/go-hessian/objects"
)

// builtinEncoders holds the codecs for exact Go types. It is never
// modified after package initialization.
var builtinEncoders = map[reflect.Type]Codec{
	bytesType:                          bytesCodec{},
	timeType:                           timeCodec{},
	reflect.TypeFor[*OrderedMap]():     orderedMapCodec{},
	reflect.TypeFor[*objects.Remote](): remoteCodec{},
}

// kindEncoders encode scalar kinds, including named scalar types.
var kindEncoders = map[reflect.Kind]Codec{
	reflect.Bool:    scalarCodec(writeBool),
	reflect.Int8:    scalarCodec(writeInt32),
	reflect.Int16:   scalarCodec(writeInt32),
	reflect.Int32:   scalarCodec(writeInt32),
	reflect.Int:     scalarCodec(writeIntOrLong),
	reflect.Int64:   scalarCodec(writeLong),
	reflect.Uint8:   scalarCodec(writeUint),
	reflect.Uint16:  scalarCodec(writeUint),
	reflect.Uint32:  scalarCodec(writeUintLong),
	reflect.Uint:    scalarCodec(writeUint),
	reflect.Uint64:  scalarCodec(writeUintLong),
	reflect.Float32: scalarCodec(writeFloat),
	reflect.Float64: scalarCodec(writeFloat),
	reflect.String:  scalarCodec(writeString),
}

// scalarCodec encodes a scalar. Scalars are never decoded through a codec.
type scalarCodec func(e *Encoder, v reflect.Value) error

func (c scalarCodec) Encode(e *Encoder, v reflect.Value) error { return c(e, v) }

func (scalarCodec) DecodeList(d *Decoder, ref int, typ string, length int) (any, error) {
	return BaseCodec{}.DecodeList(d, ref, typ, length)
}

func (scalarCodec) DecodeMap(d *Decoder, ref int, typ string) (any, error) {
	return BaseCodec{}.DecodeMap(d, ref, typ)
}

func (scalarCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	return BaseCodec{}.DecodeObject(d, ref, def)
}

func writeBool(e *Encoder, v reflect.Value) error {
	e.WriteBool(v.Bool())
	return nil
}

func writeString(e *Encoder, v reflect.Value) error {
	e.WriteString(v.String())
	return nil
}

func writeLong(e *Encoder, v reflect.Value) error {
	e.WriteLong(v.Int())
	return nil
}

func writeInt32(e *Encoder, v reflect.Value) error {
	e.WriteInt(int32(v.Int())) // #nosec G115 -- Int8, Int16 and Int32 kinds only
	return nil
}

// writeIntOrLong writes a Go int as an int when it fits, else a long.
func writeIntOrLong(e *Encoder, v reflect.Value) error {
	i := v.Int()
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		e.WriteInt(int32(i))
		return nil
	}
	e.WriteLong(i)
	return nil
}

func writeUint(e *Encoder, v reflect.Value) error {
	u := v.Uint()
	switch {
	case u <= math.MaxInt32:
		e.WriteInt(int32(u))
	case u <= math.MaxInt64:
		e.WriteLong(int64(u))
	default:
		return &TypeResolutionError{Type: v.Type(), Err: fmt.Errorf("value %d overflows a long", u)}
	}
	return nil
}

func writeUintLong(e *Encoder, v reflect.Value) error {
	u := v.Uint()
	if u > math.MaxInt64 {
		return &TypeResolutionError{Type: v.Type(), Err: fmt.Errorf("value %d overflows a long", u)}
	}
	e.WriteLong(int64(u))
	return nil
}

func writeFloat(e *Encoder, v reflect.Value) error {
	e.WriteDouble(v.Float())
	return nil
}

// bytesCodec writes byte slices and byte arrays as blobs.
type bytesCodec struct{ BaseCodec }

func (bytesCodec) Encode(e *Encoder, v reflect.Value) error {
	if v.Kind() == reflect.Array {
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		e.WriteBytes(b)
		return nil
	}
	if v.IsNil() {
		e.WriteNull()
		return nil
	}
	e.WriteBytes(v.Bytes())
	return nil
}

// timeCodec writes time.Time as a date.
type timeCodec struct{ BaseCodec }

func (timeCodec) Encode(e *Encoder, v reflect.Value) error {
	t, ok := v.Interface().(time.Time)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}
	e.WriteTime(t)
	return nil
}

// pointerCodec writes the value a non-struct pointer points to.
type pointerCodec struct{ BaseCodec }

func (pointerCodec) Encode(e *Encoder, v reflect.Value) error {
	return e.EncodeValue(v.Elem())
}

// remoteCodec writes remote references.
type remoteCodec struct{ BaseCodec }

func (remoteCodec) Encode(e *Encoder, v reflect.Value) error {
	ro, ok := v.Interface().(objects.RemoteObject)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}
	typ, url := ro.HessianRemote()
	e.WriteRemote(typ, url)
	return nil
}

// classCodec writes reflect.Type values as class objects.
type classCodec struct{ BaseCodec }

var classFields = []string{"name"}

func (classCodec) Encode(e *Encoder, v reflect.Value) error {
	t, ok := v.Interface().(reflect.Type)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}
	if e.addRef(v) {
		return nil
	}
	e.WriteObjectBegin(objects.ClassType, classFields)
	e.WriteString(className(e.reg, t))
	return nil
}

func className(r *Registry, t reflect.Type) string {
	if name, ok := primitiveNames[t]; ok {
		return name
	}
	if name, ok := r.NameOf(t); ok {
		return name
	}
	if t.Kind() == reflect.Slice {
		if elem := r.elemName(t.Elem()); elem != "" {
			return "[" + elem
		}
	}
	return goTypeName(t)
}

// stringValueCodec writes values carried as their string form in a
// "value" field: UUIDs and arbitrary-precision numbers.
type stringValueCodec struct {
	BaseCodec
	name string
}

var valueFields = []string{"value"}

func (c stringValueCodec) Encode(e *Encoder, v reflect.Value) error {
	var s string
	switch x := v.Interface().(type) {
	case uuid.UUID:
		s = x.String()
	case *big.Int:
		s = x.String()
	case *big.Float:
		s = x.Text('g', -1)
	case fmt.Stringer:
		s = x.String()
	default:
		return &TypeResolutionError{Name: c.name, Type: v.Type()}
	}
	if e.addRef(v) {
		return nil
	}
	e.WriteObjectBegin(c.name, valueFields)
	e.WriteString(s)
	return nil
}

func (c stringValueCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	var s string
	found := false
	for _, f := range def.Fields {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", def.Type, f, err)
		}
		if f != "value" {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, &FieldAssignmentError{Field: "value", Target: reflect.TypeFor[string](), Value: v}
		}
		s, found = str, true
	}
	if !found {
		return nil, &TypeResolutionError{Name: def.Type, Err: errors.New("missing value field")}
	}

	out, err := parseStringValue(c.name, s)
	if err != nil {
		return nil, &TypeResolutionError{Name: def.Type, Err: err}
	}
	d.SetRef(ref, out)
	return out, nil
}

func parseStringValue(name, s string) (any, error) {
	switch name {
	case "java.util.UUID":
		return uuid.Parse(s)
	case "java.math.BigInteger":
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return n, nil
	case "java.math.BigDecimal":
		f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return s, nil
}
