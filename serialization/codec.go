package serialization

import (
	"fmt"
	"reflect"

	"github.com/smnsjas/go-hessian/classdesc"
)

// Codec encodes values of one Go type and decodes the wire forms carrying
// the type names it is registered under.
//
// A decode method is called after the begin marker and type name have
// been read, with the reference the begin marker was assigned. The codec
// must bind that reference with Decoder.SetRef: objects and maps as soon
// as they are allocated so cycles through them resolve, lists once they
// are complete.
type Codec interface {
	Encode(e *Encoder, v reflect.Value) error
	// DecodeList reads the elements and the end marker. length is -1 when
	// the stream carries no length.
	DecodeList(d *Decoder, ref int, typ string, length int) (any, error)
	// DecodeMap reads the key/value pairs and the end marker.
	DecodeMap(d *Decoder, ref int, typ string) (any, error)
	// DecodeObject reads one value per field of def.
	DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error)
}

// BaseCodec rejects every operation. Embed it to implement only the
// forms a codec supports.
type BaseCodec struct{}

// Encode implements Codec.
func (BaseCodec) Encode(_ *Encoder, v reflect.Value) error {
	return &TypeResolutionError{Type: v.Type(), Err: fmt.Errorf("codec cannot encode")}
}

// DecodeList implements Codec.
func (BaseCodec) DecodeList(_ *Decoder, _ int, typ string, _ int) (any, error) {
	return nil, &TypeResolutionError{Name: typ, Err: fmt.Errorf("codec cannot decode a list")}
}

// DecodeMap implements Codec.
func (BaseCodec) DecodeMap(_ *Decoder, _ int, typ string) (any, error) {
	return nil, &TypeResolutionError{Name: typ, Err: fmt.Errorf("codec cannot decode a map")}
}

// DecodeObject implements Codec.
func (BaseCodec) DecodeObject(_ *Decoder, _ int, def classdesc.Definition) (any, error) {
	return nil, &TypeResolutionError{Name: def.Type, Err: fmt.Errorf("codec cannot decode an object")}
}

// Factory supplies codecs for types and names the registry does not know.
// Either method returns nil to decline.
type Factory interface {
	EncoderFor(t reflect.Type) Codec
	DecoderFor(name string) (Codec, reflect.Type)
}

// Replacer is implemented by values that are written as a substitute.
type Replacer interface {
	HessianReplace() (any, error)
}

// Resolver is implemented by decoded objects that stand for another
// value. The result replaces the object, including for back-references
// read after it.
type Resolver interface {
	HessianResolve() (any, error)
}

// StrictDecoding is implemented by types whose field assignment failures
// must fail decoding instead of skipping the field.
type StrictDecoding interface {
	HessianStrict() bool
}

var replacerType = reflect.TypeFor[Replacer]()

func replacerOf(v reflect.Value) (Replacer, bool) {
	if !v.CanInterface() || !v.Type().Implements(replacerType) {
		return nil, false
	}
	r, ok := v.Interface().(Replacer)
	return r, ok
}

// isStrict reports whether struct type t asks for strict decoding.
func isStrict(t reflect.Type) bool {
	s, ok := reflect.New(t).Interface().(StrictDecoding)
	return ok && s.HessianStrict()
}
