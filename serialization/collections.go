package serialization

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"
	"slices"
	"time"

	"github.com/smnsjas/go-hessian/classdesc"
	"github.com/smnsjas/go-hessian/objects"
)

// maxPrealloc bounds the list length trusted for preallocation. Longer
// lists grow as their elements arrive.
const maxPrealloc = 1 << 16

// genericCodec decodes values whose type name is unknown or names a plain
// collection: lists as []any, maps as map[any]any and objects as
// *OrderedMap.
type genericCodec struct{ BaseCodec }

func (genericCodec) DecodeList(d *Decoder, ref int, _ string, length int) (any, error) {
	if length >= 0 && length <= maxPrealloc {
		list := make([]any, length)
		d.SetRef(ref, list)
		err := d.ListElements(length, func(i int) error {
			v, err := d.DecodeValue()
			if err != nil {
				return err
			}
			list[i] = v
			return nil
		})
		return list, err
	}

	var list []any
	err := d.ListElements(length, func(int) error {
		v, err := d.DecodeValue()
		if err != nil {
			return err
		}
		list = append(list, v)
		return nil
	})
	if list == nil {
		list = []any{}
	}
	return list, err
}

func (genericCodec) DecodeMap(d *Decoder, ref int, typ string) (any, error) {
	m := make(map[any]any)
	d.SetRef(ref, m)
	err := d.MapEntries(func(k, v any) error {
		if k != nil && !reflect.ValueOf(k).Comparable() {
			return &TypeResolutionError{Name: typ, Type: reflect.TypeOf(k), Err: errors.New("map key is not comparable")}
		}
		m[k] = v
		return nil
	})
	return m, err
}

func (genericCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	om := NewOrderedMap(def.Type)
	d.SetRef(ref, om)
	for _, f := range def.Fields {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", def.Type, f, err)
		}
		om.Set(f, v)
	}
	return om, nil
}

// sliceCodec handles slices and arrays other than byte blobs.
type sliceCodec struct {
	BaseCodec
	typ        reflect.Type
	name       string
	registered bool
}

func (c *sliceCodec) Encode(e *Encoder, v reflect.Value) error {
	if v.Kind() == reflect.Slice && v.IsNil() {
		e.WriteNull()
		return nil
	}
	if e.addRef(v) {
		return nil
	}

	name := c.name
	if c.registered {
		name = e.reg.listName(c.typ)
	}
	n := v.Len()
	e.WriteListBegin(n, name)
	elem := v.Type().Elem()
	if scalar, ok := plainScalar(elem); ok {
		for i := range n {
			if err := scalar.Encode(e, v.Index(i)); err != nil {
				return fmt.Errorf("list element %d: %w", i, err)
			}
		}
	} else {
		for i := range n {
			if err := e.EncodeValue(v.Index(i)); err != nil {
				return fmt.Errorf("list element %d: %w", i, err)
			}
		}
	}
	e.WriteListEnd()
	return nil
}

// plainScalar returns the kind codec for predeclared scalar types, which
// no registration or capability can override.
func plainScalar(t reflect.Type) (Codec, bool) {
	if t.PkgPath() != "" || t.Name() == "" {
		return nil, false
	}
	c, ok := kindEncoders[t.Kind()]
	return c, ok
}

func (c *sliceCodec) DecodeList(d *Decoder, ref int, _ string, length int) (any, error) {
	st := c.typ
	if st.Kind() == reflect.Array {
		st = reflect.SliceOf(st.Elem())
	}

	var s reflect.Value
	var err error
	if length >= 0 && length <= maxPrealloc {
		s = reflect.MakeSlice(st, length, length)
		if c.typ.Kind() == reflect.Slice {
			d.SetRef(ref, s.Interface())
		}
		err = d.ListElements(length, func(i int) error {
			return c.decodeElem(d, s.Index(i), i)
		})
	} else {
		s = reflect.MakeSlice(st, 0, 0)
		err = d.ListElements(length, func(i int) error {
			s = reflect.Append(s, reflect.Zero(st.Elem()))
			return c.decodeElem(d, s.Index(i), i)
		})
	}
	if err != nil {
		return nil, err
	}

	if c.typ.Kind() == reflect.Array {
		arr := reflect.New(c.typ).Elem()
		reflect.Copy(arr, s)
		return arr.Interface(), nil
	}
	return s.Interface(), nil
}

func (c *sliceCodec) decodeElem(d *Decoder, dst reflect.Value, i int) error {
	v, err := d.DecodeValue()
	if err != nil {
		return err
	}
	if err := d.assign(dst, v); err != nil {
		return &FieldAssignmentError{Field: fmt.Sprintf("[%d]", i), Target: dst.Type(), Value: v, Err: err}
	}
	return nil
}

// mapCodec handles map kinds. Keys are written in sorted order so equal
// maps encode to equal bytes.
type mapCodec struct {
	BaseCodec
	typ        reflect.Type
	name       string
	registered bool
}

func (c *mapCodec) Encode(e *Encoder, v reflect.Value) error {
	if v.IsNil() {
		e.WriteNull()
		return nil
	}
	if e.addRef(v) {
		return nil
	}

	name := c.name
	if c.registered {
		name = e.reg.collectionName(c.typ)
	}
	keys := v.MapKeys()
	slices.SortFunc(keys, compareValues)
	e.WriteMapBegin(name)
	for _, k := range keys {
		if err := e.EncodeValue(k); err != nil {
			return fmt.Errorf("map key %v: %w", k, err)
		}
		if err := e.EncodeValue(v.MapIndex(k)); err != nil {
			return fmt.Errorf("map value %v: %w", k, err)
		}
	}
	e.WriteMapEnd()
	return nil
}

func (c *mapCodec) DecodeMap(d *Decoder, ref int, _ string) (any, error) {
	m := reflect.MakeMap(c.typ)
	d.SetRef(ref, m.Interface())
	kt, vt := c.typ.Key(), c.typ.Elem()
	err := d.MapEntries(func(k, v any) error {
		kv, err := d.convert(k, kt)
		if err != nil {
			return &FieldAssignmentError{Field: "key", Target: kt, Value: k, Err: err}
		}
		if !kv.Comparable() {
			return &TypeResolutionError{Type: kt, Err: errors.New("map key is not comparable")}
		}
		vv, err := d.convert(v, vt)
		if err != nil {
			return &FieldAssignmentError{Field: fmt.Sprint(k), Target: vt, Value: v, Err: err}
		}
		m.SetMapIndex(kv, vv)
		return nil
	})
	return m.Interface(), err
}

// compareValues orders map keys: by kind first, then by value.
func compareValues(a, b reflect.Value) int {
	for a.Kind() == reflect.Interface && !a.IsNil() {
		a = a.Elem()
	}
	for b.Kind() == reflect.Interface && !b.IsNil() {
		b = b.Elem()
	}
	if !a.IsValid() || !b.IsValid() {
		return cmp.Compare(boolRank(a.IsValid()), boolRank(b.IsValid()))
	}
	if a.Kind() != b.Kind() {
		return cmp.Compare(a.Kind(), b.Kind())
	}

	switch a.Kind() {
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.Bool:
		return cmp.Compare(boolRank(a.Bool()), boolRank(b.Bool()))
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// orderedMapCodec writes an OrderedMap as an object of its Type, or as an
// untyped map when Type is empty.
type orderedMapCodec struct{ BaseCodec }

func (orderedMapCodec) Encode(e *Encoder, v reflect.Value) error {
	m, ok := v.Interface().(*OrderedMap)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}
	if e.addRef(v) {
		return nil
	}

	if m.Type == "" {
		e.WriteMapBegin("")
		for k, val := range m.All() {
			e.WriteString(k)
			if err := e.EncodeValue(reflect.ValueOf(val)); err != nil {
				return fmt.Errorf("map value %s: %w", k, err)
			}
		}
		e.WriteMapEnd()
		return nil
	}

	fields := m.keys
	if h, ok := e.classes.Lookup(m.Type); ok {
		defined := e.classes.Fields(h)
		if len(defined) != len(fields) || slices.ContainsFunc(defined, func(f string) bool {
			_, ok := m.values[f]
			return !ok
		}) {
			return &TypeResolutionError{Name: m.Type, Err: fmt.Errorf("fields %v do not match class fields %v", fields, defined)}
		}
		fields = defined
	}

	e.WriteObjectBegin(m.Type, fields)
	for _, f := range fields {
		if err := e.EncodeValue(reflect.ValueOf(m.values[f])); err != nil {
			return fmt.Errorf("%s field %s: %w", m.Type, f, err)
		}
	}
	return nil
}

// throwableCodec writes errors as exception objects and decodes the
// exception type names into *objects.Throwable.
type throwableCodec struct{ BaseCodec }

var throwableFields = []string{"detailMessage", "cause", "stackTrace"}

func (throwableCodec) Encode(e *Encoder, v reflect.Value) error {
	var t *objects.Throwable
	switch x := v.Interface().(type) {
	case *objects.Throwable:
		t = x
	case objects.Throwable:
		t = &x
	case error:
		t = objects.NewThrowable(x)
	default:
		return &TypeResolutionError{Type: v.Type()}
	}
	if e.addRef(v) {
		return nil
	}

	e.WriteObjectBegin(t.TypeName(), throwableFields)
	e.WriteString(t.DetailMessage)
	if t.Cause == nil {
		e.WriteNull()
	} else if err := e.EncodeValue(reflect.ValueOf(t.Cause)); err != nil {
		return fmt.Errorf("throwable cause: %w", err)
	}
	if err := e.EncodeValue(reflect.ValueOf(t.StackTrace)); err != nil {
		return fmt.Errorf("throwable stack trace: %w", err)
	}
	return nil
}

func (throwableCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	t := &objects.Throwable{Type: def.Type}
	d.SetRef(ref, t)
	for _, f := range def.Fields {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", def.Type, f, err)
		}
		if err := setThrowableField(d, t, f, v); err != nil {
			if d.strict {
				return nil, err
			}
			d.log.Debug("skipping throwable field", "type", def.Type, "field", f, "error", err)
		}
	}
	return t, nil
}

func setThrowableField(d *Decoder, t *objects.Throwable, field string, v any) error {
	switch field {
	case "detailMessage":
		switch s := v.(type) {
		case nil:
		case string:
			t.DetailMessage = s
		default:
			return &FieldAssignmentError{Field: field, Target: reflect.TypeFor[string](), Value: v}
		}
	case "cause":
		switch c := v.(type) {
		case nil:
		case *objects.Throwable:
			t.Cause = c
		case error:
			t.Cause = objects.NewThrowable(c)
		default:
			return &FieldAssignmentError{Field: field, Target: reflect.TypeFor[*objects.Throwable](), Value: v}
		}
	case "stackTrace":
		rv, err := d.convert(v, reflect.TypeFor[[]objects.StackFrame]())
		if err != nil {
			return &FieldAssignmentError{Field: field, Target: reflect.TypeFor[[]objects.StackFrame](), Value: v, Err: err}
		}
		t.StackTrace = rv.Interface().([]objects.StackFrame)
	default:
		d.log.Debug("ignoring throwable field", "field", field)
	}
	return nil
}

// readerCodec copies an io.Reader to the stream as a byte blob.
type readerCodec struct{ BaseCodec }

func (readerCodec) Encode(e *Encoder, v reflect.Value) error {
	r, ok := v.Interface().(io.Reader)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}
	return e.WriteBytesFrom(r)
}

// seqCodec writes an iter.Seq[any] as a list without a length.
type seqCodec struct{ BaseCodec }

func (seqCodec) Encode(e *Encoder, v reflect.Value) error {
	seq, ok := v.Convert(seqType).Interface().(iter.Seq[any])
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}

	e.WriteListBegin(-1, "")
	i := 0
	for item := range seq {
		if err := e.EncodeValue(reflect.ValueOf(item)); err != nil {
			return fmt.Errorf("list element %d: %w", i, err)
		}
		i++
	}
	e.WriteListEnd()
	return nil
}

// enumeratorCodec writes an objects.Enumerator as a list without a length.
type enumeratorCodec struct{ BaseCodec }

func (enumeratorCodec) Encode(e *Encoder, v reflect.Value) error {
	en, ok := v.Interface().(objects.Enumerator)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}

	e.WriteListBegin(-1, "")
	for i := 0; en.Next(); i++ {
		if err := e.EncodeValue(reflect.ValueOf(en.Value())); err != nil {
			return fmt.Errorf("list element %d: %w", i, err)
		}
	}
	e.WriteListEnd()
	return nil
}

// calendarCodec writes calendar values as objects carrying a date.
type calendarCodec struct{ BaseCodec }

func (calendarCodec) Encode(e *Encoder, v reflect.Value) error {
	cv, ok := v.Interface().(objects.CalendarValue)
	if !ok {
		return &TypeResolutionError{Type: v.Type()}
	}
	if e.addRef(v) {
		return nil
	}
	e.WriteObjectBegin(objects.CalendarType, valueFields)
	e.WriteTime(cv.CalendarTime())
	return nil
}

func (calendarCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	var cal objects.Calendar
	for _, f := range def.Fields {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", def.Type, f, err)
		}
		if f != "value" {
			continue
		}
		t, ok := v.(time.Time)
		if !ok && v != nil {
			return nil, &FieldAssignmentError{Field: f, Target: timeType, Value: v}
		}
		cal.Time = t
	}
	d.SetRef(ref, cal)
	return cal, nil
}

// enumCodec writes enum constants as objects carrying the constant name.
type enumCodec struct {
	BaseCodec
	typ    reflect.Type
	name   string
	values map[string]reflect.Value
}

var enumFields = []string{"name"}

func (c *enumCodec) Encode(e *Encoder, v reflect.Value) error {
	en, ok := v.Interface().(objects.Enum)
	if !ok {
		return &TypeResolutionError{Name: c.name, Type: v.Type()}
	}
	if e.addRef(v) {
		return nil
	}
	e.WriteObjectBegin(c.name, enumFields)
	e.WriteString(en.EnumName())
	return nil
}

func (c *enumCodec) DecodeObject(d *Decoder, ref int, def classdesc.Definition) (any, error) {
	var name string
	for _, f := range def.Fields {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", def.Type, f, err)
		}
		if f != "name" {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, &FieldAssignmentError{Field: f, Target: reflect.TypeFor[string](), Value: v}
		}
		name = s
	}

	val, ok := c.values[name]
	if !ok {
		return nil, &TypeResolutionError{Name: def.Type, Type: c.typ, Err: fmt.Errorf("unknown constant %q", name)}
	}
	out := val.Interface()
	d.SetRef(ref, out)
	return out, nil
}
