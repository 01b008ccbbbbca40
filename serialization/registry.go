package serialization

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/big"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-hessian/objects"
)

// Registry maps Go types to codecs for encoding and wire type names to
// codecs for decoding.
//
// Encoding resolves a type through the built-in table, registered types,
// factories in registration order, the structural rules (remote objects,
// maps, slices, arrays, errors, readers, iterators, enumerators,
// calendars, enums, scalars) and finally the structural object codec.
// Decoding resolves a name through registered names, array names
// ("[" + element name) and factories; unresolved names decode generically.
//
// A Registry is safe for concurrent use. Registration invalidates the
// resolution caches.
type Registry struct {
	mu        sync.RWMutex
	types     map[reflect.Type]*typeEntry
	names     map[string]*typeEntry
	factories []Factory
	sendType  bool
	logger    *slog.Logger

	encoders sync.Map // reflect.Type → Codec
	decoders sync.Map // string → decodeEntry
}

type typeEntry struct {
	name    string
	codec   Codec
	decoded reflect.Type
}

type decodeEntry struct {
	codec   Codec
	decoded reflect.Type
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for resolution diagnostics.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSendCollectionType sets whether registered slice and map types are
// written with their type name.
func WithSendCollectionType(send bool) RegistryOption {
	return func(r *Registry) {
		r.sendType = send
	}
}

var defaultRegistry = NewRegistry()

// NewRegistry returns a Registry holding the built-in codecs.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		types:  make(map[reflect.Type]*typeEntry),
		names:  make(map[string]*typeEntry),
		logger: discardLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerBuiltins()
	return r
}

// SetSendCollectionType sets whether registered slice and map types are
// written with their type name.
func (r *Registry) SetSendCollectionType(send bool) {
	r.mu.Lock()
	r.sendType = send
	r.mu.Unlock()
	r.encoders.Clear()
}

// TypeOption configures a type registration.
type TypeOption func(*typeOptions)

type typeOptions struct {
	ctors []any
	codec Codec
}

// WithConstructor offers functions that create instances of a struct
// type during decoding. Each must take only parameters that can be
// zero-valued and return T or *T, optionally followed by an error. The
// cheapest one is chosen: fewest parameters first, then by parameter
// kind. Without constructors instances are allocated with new.
func WithConstructor(fns ...any) TypeOption {
	return func(o *typeOptions) {
		o.ctors = append(o.ctors, fns...)
	}
}

// WithCodec registers a custom codec for the type.
func WithCodec(c Codec) TypeOption {
	return func(o *typeOptions) {
		o.codec = c
	}
}

// Register maps T to a wire type name. See Registry.RegisterType.
func Register[T any](r *Registry, name string, opts ...TypeOption) error {
	return r.RegisterType(reflect.TypeFor[T](), name, opts...)
}

// RegisterType maps t to a wire type name. Struct types (or pointers to
// them) use the structural object codec and decode as *T; slice and map
// types decode as t. Other kinds need WithCodec.
func (r *Registry) RegisterType(t reflect.Type, name string, opts ...TypeOption) error {
	if t == nil || name == "" {
		return errors.New("register type: type and name are required")
	}
	var o typeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		t = t.Elem()
	}

	entry := &typeEntry{name: name, codec: o.codec, decoded: t}
	switch {
	case o.codec != nil:
	case t.Kind() == reflect.Struct:
		sc, err := newStructCodec(t, name, o.ctors)
		if err != nil {
			return fmt.Errorf("register type %s: %w", t, err)
		}
		entry.codec = sc
		entry.decoded = reflect.PointerTo(t)
	case t.Kind() == reflect.Slice:
		entry.codec = &sliceCodec{typ: t, name: name, registered: true}
	case t.Kind() == reflect.Map:
		entry.codec = &mapCodec{typ: t, name: name, registered: true}
	default:
		return fmt.Errorf("register type %s: %s types need a codec", t, t.Kind())
	}

	return r.add(t, entry)
}

// RegisterEnum registers the constants of an enum type. Values are
// written as objects of the given type name carrying the constant name,
// and decoded back to the constant with that name.
func RegisterEnum[T objects.Enum](r *Registry, name string, values ...T) error {
	t := reflect.TypeFor[T]()
	ec := &enumCodec{typ: t, name: name, values: make(map[string]reflect.Value, len(values))}
	for _, v := range values {
		ec.values[v.EnumName()] = reflect.ValueOf(v)
	}
	return r.add(t, &typeEntry{name: name, codec: ec, decoded: t})
}

// RegisterName adds an extra wire name decoding through the codec already
// registered for t.
func (r *Registry) RegisterName(t reflect.Type, name string) error {
	r.mu.RLock()
	entry, ok := r.types[t]
	r.mu.RUnlock()
	if !ok {
		return &TypeResolutionError{Type: t, Err: errors.New("type is not registered")}
	}
	alias := *entry
	alias.name = name
	r.mu.Lock()
	r.names[name] = &alias
	r.mu.Unlock()
	r.decoders.Clear()
	return nil
}

func (r *Registry) add(t reflect.Type, entry *typeEntry) error {
	r.mu.Lock()
	if prev, ok := r.names[entry.name]; ok && prev.decoded != entry.decoded {
		r.mu.Unlock()
		return fmt.Errorf("register type %s: name %q already registered for %s", t, entry.name, prev.decoded)
	}
	r.types[t] = entry
	if t.Kind() == reflect.Struct {
		r.types[reflect.PointerTo(t)] = entry
	}
	r.names[entry.name] = entry
	r.mu.Unlock()

	r.encoders.Clear()
	r.decoders.Clear()
	return nil
}

// AddFactory appends a codec factory. Factories are consulted in
// registration order after registered types.
func (r *Registry) AddFactory(f Factory) {
	r.mu.Lock()
	r.factories = append(r.factories, f)
	r.mu.Unlock()
	r.encoders.Clear()
	r.decoders.Clear()
}

// NameOf returns the wire type name registered for t.
func (r *Registry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.types[t]; ok {
		return e.name, true
	}
	return "", false
}

// TypeOf returns the Go type values decoded under name have.
func (r *Registry) TypeOf(name string) (reflect.Type, bool) {
	_, t := r.decoder(name)
	return t, t != nil
}

var (
	errorType      = reflect.TypeFor[error]()
	readerType     = reflect.TypeFor[io.Reader]()
	seqType        = reflect.TypeFor[iter.Seq[any]]()
	remoteType     = reflect.TypeFor[objects.RemoteObject]()
	enumeratorType = reflect.TypeFor[objects.Enumerator]()
	calendarType   = reflect.TypeFor[objects.CalendarValue]()
	enumType       = reflect.TypeFor[objects.Enum]()
	reflectType    = reflect.TypeFor[reflect.Type]()
	timeType       = reflect.TypeFor[time.Time]()
	anyType        = reflect.TypeFor[any]()
	bytesType      = reflect.TypeFor[[]byte]()
)

// encoder returns the codec for t.
func (r *Registry) encoder(t reflect.Type) (Codec, error) {
	if c, ok := r.encoders.Load(t); ok {
		return c.(Codec), nil
	}
	c, err := r.resolveEncoder(t)
	if err != nil {
		return nil, err
	}
	actual, _ := r.encoders.LoadOrStore(t, c)
	return actual.(Codec), nil
}

func (r *Registry) resolveEncoder(t reflect.Type) (Codec, error) {
	if c, ok := builtinEncoders[t]; ok {
		return c, nil
	}

	r.mu.RLock()
	entry := r.types[t]
	factories := r.factories
	r.mu.RUnlock()

	if entry != nil {
		return entry.codec, nil
	}
	for _, f := range factories {
		if c := f.EncoderFor(t); c != nil {
			r.logger.Debug("codec from factory", slog.String("type", t.String()))
			return c, nil
		}
	}
	return r.structuralEncoder(t)
}

func (r *Registry) structuralEncoder(t reflect.Type) (Codec, error) {
	switch {
	case t.Implements(remoteType):
		return remoteCodec{}, nil
	case t.Implements(reflectType):
		return classCodec{}, nil
	case t.Kind() == reflect.Map:
		return &mapCodec{typ: t, name: r.collectionName(t)}, nil
	case (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() == reflect.Uint8:
		return bytesCodec{}, nil
	case t.Kind() == reflect.Slice, t.Kind() == reflect.Array:
		return &sliceCodec{typ: t, name: r.listName(t)}, nil
	case t.Implements(errorType):
		return throwableCodec{}, nil
	case t.Implements(readerType):
		return readerCodec{}, nil
	case t.Kind() == reflect.Func && t.ConvertibleTo(seqType):
		return seqCodec{}, nil
	case t.Implements(enumeratorType):
		return enumeratorCodec{}, nil
	case t.Implements(calendarType):
		return calendarCodec{}, nil
	case t.Implements(enumType):
		return &enumCodec{typ: t, name: goTypeName(t)}, nil
	}

	if c, ok := kindEncoders[t.Kind()]; ok {
		return c, nil
	}

	switch {
	case t.Kind() == reflect.Struct:
		return newStructCodec(t, goTypeName(t), nil)
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		return newStructCodec(t.Elem(), goTypeName(t.Elem()), nil)
	case t.Kind() == reflect.Pointer:
		return pointerCodec{}, nil
	}
	return nil, &TypeResolutionError{Type: t}
}

// collectionName is the type name written for a map or slice type.
func (r *Registry) collectionName(t reflect.Type) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.types[t]; ok && r.sendType {
		return e.name
	}
	return ""
}

// listName is the type name written for a slice or array type: array
// names for slices of named element types, otherwise the collection name.
func (r *Registry) listName(t reflect.Type) string {
	if t.Kind() == reflect.Slice {
		if name := r.collectionName(t); name != "" {
			return name
		}
	}
	if elem := r.elemName(t.Elem()); elem != "" {
		return "[" + elem
	}
	return ""
}

// elemName is the element name used in array type names.
func (r *Registry) elemName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		t = t.Elem()
	}
	if name, ok := primitiveNames[t]; ok {
		return name
	}
	if name, ok := r.NameOf(t); ok {
		if t.Kind() == reflect.Slice || t.Kind() == reflect.Map {
			return ""
		}
		return name
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
		if inner := r.elemName(t.Elem()); inner != "" {
			return "[" + inner
		}
	}
	return ""
}

// primitiveNames are the element names of typed arrays.
var primitiveNames = map[reflect.Type]string{
	reflect.TypeFor[bool]():    "boolean",
	reflect.TypeFor[int8]():    "byte",
	reflect.TypeFor[int16]():   "short",
	reflect.TypeFor[uint16]():  "int",
	reflect.TypeFor[int32]():   "int",
	reflect.TypeFor[int]():     "long",
	reflect.TypeFor[int64]():   "long",
	reflect.TypeFor[uint]():    "long",
	reflect.TypeFor[uint32]():  "long",
	reflect.TypeFor[uint64]():  "long",
	reflect.TypeFor[float32](): "float",
	reflect.TypeFor[float64](): "double",
	reflect.TypeFor[string]():  "string",
	timeType:                   "date",
}

// decoder resolves a wire type name. It returns a nil codec for names
// that decode generically.
func (r *Registry) decoder(name string) (Codec, reflect.Type) {
	if name == "" {
		return nil, nil
	}
	if e, ok := r.decoders.Load(name); ok {
		de := e.(decodeEntry)
		return de.codec, de.decoded
	}

	de := r.resolveDecoder(name)
	if de.codec == nil {
		r.logger.Debug("unknown type name, decoding generically", slog.String("name", name))
	}
	r.decoders.Store(name, de)
	return de.codec, de.decoded
}

func (r *Registry) resolveDecoder(name string) decodeEntry {
	r.mu.RLock()
	entry := r.names[name]
	factories := r.factories
	r.mu.RUnlock()

	if entry != nil {
		return decodeEntry{codec: entry.codec, decoded: entry.decoded}
	}

	if elem, ok := strings.CutPrefix(name, "["); ok {
		if _, et := r.decoder(elem); et != nil {
			st := reflect.SliceOf(et)
			return decodeEntry{codec: &sliceCodec{typ: st, name: name}, decoded: st}
		}
		return decodeEntry{}
	}

	for _, f := range factories {
		if c, t := f.DecoderFor(name); c != nil {
			r.logger.Debug("decoder from factory", slog.String("name", name))
			return decodeEntry{codec: c, decoded: t}
		}
	}
	return decodeEntry{}
}

func (r *Registry) registerBuiltins() {
	must := func(err error) {
		if err != nil {
			panic("hessian: builtin registration: " + err.Error())
		}
	}

	for name, t := range map[string]reflect.Type{
		"boolean": reflect.TypeFor[bool](),
		"byte":    reflect.TypeFor[int8](),
		"short":   reflect.TypeFor[int16](),
		"int":     reflect.TypeFor[int32](),
		"long":    reflect.TypeFor[int64](),
		"float":   reflect.TypeFor[float32](),
		"double":  reflect.TypeFor[float64](),
		"string":  reflect.TypeFor[string](),
		"date":    timeType,
		"object":  anyType,
	} {
		r.names[name] = &typeEntry{name: name, codec: BaseCodec{}, decoded: t}
	}
	r.names["java.lang.String"] = r.names["string"]
	r.names["java.util.Date"] = r.names["date"]
	r.names["java.lang.Object"] = &typeEntry{name: "java.lang.Object", codec: genericCodec{}, decoded: anyType}
	r.names["object"].codec = genericCodec{}

	list := &typeEntry{name: "java.util.ArrayList", codec: genericCodec{}, decoded: reflect.TypeFor[[]any]()}
	for _, name := range []string{
		"java.util.ArrayList", "java.util.List", "java.util.LinkedList", "java.util.Vector",
		"java.util.Collection", "java.util.HashSet", "java.util.Set", "java.util.TreeSet",
	} {
		r.names[name] = list
	}
	hashMap := &typeEntry{name: "java.util.HashMap", codec: genericCodec{}, decoded: reflect.TypeFor[map[any]any]()}
	for _, name := range []string{
		"java.util.HashMap", "java.util.Map", "java.util.TreeMap", "java.util.LinkedHashMap", "java.util.Hashtable",
	} {
		r.names[name] = hashMap
	}

	must(Register[objects.StackFrame](r, objects.StackFrameType))
	must(Register[objects.Class](r, objects.ClassType))

	throwable := &typeEntry{name: objects.ThrowableType, codec: throwableCodec{}, decoded: reflect.TypeFor[*objects.Throwable]()}
	r.types[reflect.TypeFor[*objects.Throwable]()] = throwable
	r.types[reflect.TypeFor[objects.Throwable]()] = throwable
	for _, name := range objects.ThrowableTypes {
		r.names[name] = throwable
	}

	cal := &typeEntry{name: objects.CalendarType, codec: calendarCodec{}, decoded: reflect.TypeFor[objects.Calendar]()}
	r.types[reflect.TypeFor[objects.Calendar]()] = cal
	r.names[objects.CalendarType] = cal
	r.names["java.util.Calendar"] = cal

	for _, sv := range []struct {
		name string
		t    reflect.Type
	}{
		{"java.util.UUID", reflect.TypeFor[uuid.UUID]()},
		{"java.math.BigInteger", reflect.TypeFor[*big.Int]()},
		{"java.math.BigDecimal", reflect.TypeFor[*big.Float]()},
	} {
		e := &typeEntry{name: sv.name, codec: stringValueCodec{name: sv.name}, decoded: sv.t}
		r.types[sv.t] = e
		r.names[sv.name] = e
	}
}

// goTypeName is the wire name for an unregistered Go type.
func goTypeName(t reflect.Type) string {
	if t.Name() == "" {
		return t.String()
	}
	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + t.Name()
	}
	return t.Name()
}
