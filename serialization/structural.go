package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/smnsjas/go-hessian/classdesc"
)

// field is one serialized struct field.
type field struct {
	name      string
	index     []int
	typ       reflect.Type
	primitive bool
}

// shape is the serialized layout of a struct type.
type shape struct {
	fields []field
	names  []string
	byName map[string]int
}

var shapeCache sync.Map // reflect.Type → *shape

// shapeOf returns the layout of struct type t. Exported fields are
// included, embedded structs are flattened (the shallowest field wins a
// name, equally shallow duplicates are dropped), the hessian tag renames
// a field or excludes it with "-". Primitive-like fields come first, each
// group in declaration order.
func shapeOf(t reflect.Type) *shape {
	if s, ok := shapeCache.Load(t); ok {
		return s.(*shape)
	}

	type candidate struct {
		field
		depth int
	}
	var all []candidate
	var walk func(t reflect.Type, index []int, depth int, visiting map[reflect.Type]bool)
	walk = func(t reflect.Type, index []int, depth int, visiting map[reflect.Type]bool) {
		visiting[t] = true
		defer delete(visiting, t)
		for i := range t.NumField() {
			sf := t.Field(i)
			tag := sf.Tag.Get("hessian")
			if tag == "-" {
				continue
			}
			name, _, _ := strings.Cut(tag, ",")
			idx := append(slices.Clone(index), i)

			if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
				if !visiting[sf.Type] {
					walk(sf.Type, idx, depth+1, visiting)
				}
				continue
			}
			if !sf.IsExported() {
				continue
			}
			if name == "" {
				name = sf.Name
			}
			all = append(all, candidate{
				field: field{name: name, index: idx, typ: sf.Type, primitive: isPrimitiveKind(sf.Type.Kind())},
				depth: depth,
			})
		}
	}
	walk(t, nil, 0, make(map[reflect.Type]bool))

	shallowest := make(map[string]int)
	count := make(map[string]int)
	for _, c := range all {
		d, ok := shallowest[c.name]
		switch {
		case !ok || c.depth < d:
			shallowest[c.name], count[c.name] = c.depth, 1
		case c.depth == d:
			count[c.name]++
		}
	}

	s := &shape{byName: make(map[string]int)}
	for _, c := range all {
		if c.depth != shallowest[c.name] || count[c.name] > 1 {
			continue
		}
		s.fields = append(s.fields, c.field)
	}
	slices.SortStableFunc(s.fields, func(a, b field) int {
		return boolRank(b.primitive) - boolRank(a.primitive)
	})
	for i, f := range s.fields {
		s.names = append(s.names, f.name)
		s.byName[f.name] = i
	}

	actual, _ := shapeCache.LoadOrStore(t, s)
	return actual.(*shape)
}

func isPrimitiveKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	}
	return false
}

// structCodec writes structs as objects using their shape, and decodes
// objects and typed maps into *T.
type structCodec struct {
	BaseCodec
	typ    reflect.Type
	name   string
	shape  *shape
	ctor   reflect.Value
	strict bool
}

func newStructCodec(t reflect.Type, name string, ctors []any) (*structCodec, error) {
	if t.Kind() != reflect.Struct {
		return nil, &TypeResolutionError{Name: name, Type: t, Err: errors.New("not a struct type")}
	}
	c := &structCodec{typ: t, name: name, shape: shapeOf(t), strict: isStrict(t)}

	best := -1
	for i, fn := range ctors {
		cost, err := constructorCost(t, fn)
		if err != nil {
			return nil, fmt.Errorf("constructor %d: %w", i, err)
		}
		if best < 0 || cost < best {
			best, c.ctor = cost, reflect.ValueOf(fn)
		}
	}
	return c, nil
}

// constructorCost validates fn as a constructor of t and ranks it: fewer
// parameters first, then by parameter kinds, interfaces being cheapest.
func constructorCost(t reflect.Type, fn any) (int, error) {
	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func {
		return 0, fmt.Errorf("%T is not a function", fn)
	}
	if ft.IsVariadic() {
		return 0, errors.New("variadic constructors are not supported")
	}
	switch {
	case ft.NumOut() == 1:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
	default:
		return 0, fmt.Errorf("%s must return %s or *%s, optionally with an error", ft, t, t)
	}
	if out := ft.Out(0); out != t && out != reflect.PointerTo(t) {
		return 0, fmt.Errorf("%s does not construct %s", ft, t)
	}

	const limit = 1 << 48
	cost := 0
	for i := range ft.NumIn() {
		cost = 4*cost + paramCost(ft.In(i))
		if cost > limit {
			cost = limit
		}
	}
	return cost + ft.NumIn()<<48, nil
}

func paramCost(t reflect.Type) int {
	switch t.Kind() {
	case reflect.Interface:
		return 1
	case reflect.String:
		return 2
	case reflect.Int32, reflect.Int:
		return 3
	case reflect.Int64:
		return 4
	}
	if isPrimitiveKind(t.Kind()) {
		return 5
	}
	return 6
}

// instantiate returns a new *T, through the chosen constructor when there
// is one.
func (c *structCodec) instantiate() (reflect.Value, error) {
	if !c.ctor.IsValid() {
		return reflect.New(c.typ), nil
	}

	ft := c.ctor.Type()
	args := make([]reflect.Value, ft.NumIn())
	for i := range args {
		args[i] = reflect.Zero(ft.In(i))
	}
	out := c.ctor.Call(args)
	if len(out) == 2 && !out[1].IsNil() {
		return reflect.Value{}, &TypeResolutionError{Name: c.name, Type: c.typ, Err: out[1].Interface().(error)}
	}

	v := out[0]
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, &TypeResolutionError{Name: c.name, Type: c.typ, Err: errors.New("constructor returned nil")}
		}
		return v, nil
	}
	p := reflect.New(c.typ)
	p.Elem().Set(v)
	return p, nil
}

func (c *structCodec) Encode(e *Encoder, v reflect.Value) error {
	if v.Kind() == reflect.Pointer {
		if e.addRef(v) {
			return nil
		}
		v = v.Elem()
	}

	e.WriteObjectBegin(c.name, c.shape.names)
	for _, f := range c.shape.fields {
		fv := v.FieldByIndex(f.index)
		var err error
		if scalar, ok := plainScalar(f.typ); ok {
			err = scalar.Encode(e, fv)
		} else {
			err = e.EncodeValue(fv)
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", f.name, err)
		}
	}
	return nil
}

func (c *structCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	p, err := c.instantiate()
	if err != nil {
		return nil, err
	}
	d.SetRef(ref, p.Interface())

	obj := p.Elem()
	for _, name := range def.Fields {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", def.Type, name, err)
		}
		if err := c.setField(d, obj, name, v); err != nil {
			return nil, err
		}
	}
	return c.resolve(d, ref, p.Interface())
}

// DecodeMap builds a struct from a typed map with string keys.
func (c *structCodec) DecodeMap(d *Decoder, ref int, typ string) (any, error) {
	p, err := c.instantiate()
	if err != nil {
		return nil, err
	}
	d.SetRef(ref, p.Interface())

	obj := p.Elem()
	err = d.MapEntries(func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return c.fieldError(d, typ, &FieldAssignmentError{Field: fmt.Sprint(k), Target: c.typ, Value: k, Err: errors.New("map key is not a string")})
		}
		return c.setField(d, obj, name, v)
	})
	if err != nil {
		return nil, err
	}
	return c.resolve(d, ref, p.Interface())
}

// setField assigns v to the field with the given wire name. Unknown
// fields are dropped.
func (c *structCodec) setField(d *Decoder, obj reflect.Value, name string, v any) error {
	i, ok := c.shape.byName[name]
	if !ok {
		d.log.Debug("skipping unknown field", "type", c.name, "field", name)
		return nil
	}
	f := c.shape.fields[i]
	if err := d.assign(obj.FieldByIndex(f.index), v); err != nil {
		return c.fieldError(d, c.name, &FieldAssignmentError{Field: name, Target: f.typ, Value: v, Err: err})
	}
	return nil
}

func (c *structCodec) fieldError(d *Decoder, typ string, err *FieldAssignmentError) error {
	if d.strict || c.strict {
		return err
	}
	d.log.Debug("skipping field", "type", typ, "field", err.Field, "error", err)
	return nil
}

// resolve applies a Resolver and rebinds the reference to its result.
func (c *structCodec) resolve(d *Decoder, ref int, v any) (any, error) {
	r, ok := v.(Resolver)
	if !ok {
		return v, nil
	}
	out, err := r.HessianResolve()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", c.name, err)
	}
	d.SetRef(ref, out)
	return out, nil
}
