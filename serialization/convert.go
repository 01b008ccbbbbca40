package serialization

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/smnsjas/go-hessian/objects"
)

// convKey identifies a generic value already converted to a target type,
// so shared and cyclic graphs convert to shared and cyclic graphs.
type convKey struct {
	src uintptr
	typ reflect.Type
}

var errMismatch = errors.New("incompatible value")

// assign stores the decoded value v in dst.
func (d *Decoder) assign(dst reflect.Value, v any) error {
	rv, err := d.convert(v, dst.Type())
	if err != nil {
		return err
	}
	dst.Set(rv)
	return nil
}

// convert returns v as a value of type t. Numbers convert between kinds
// when the value fits, generic lists, maps and objects convert element by
// element, and pointers are allocated or dereferenced as needed.
func (d *Decoder) convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	d.convDepth++
	defer func() { d.convDepth-- }()
	if d.convDepth > 2*d.maxDepth {
		return reflect.Value{}, fmt.Errorf("%w: converting to %s", ErrMaxRecursionDepth, t)
	}

	switch t.Kind() {
	case reflect.Interface:
		return reflect.Value{}, fmt.Errorf("%w: %T does not implement %s", errMismatch, v, t)

	case reflect.Pointer:
		return d.convertPointer(rv, t)

	case reflect.Bool:
		if rv.Kind() == reflect.Bool {
			out := reflect.New(t).Elem()
			out.SetBool(rv.Bool())
			return out, nil
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, ok := toInt64(rv); ok {
			out := reflect.New(t).Elem()
			if out.OverflowInt(i) {
				return reflect.Value{}, fmt.Errorf("value %d overflows %s", i, t)
			}
			out.SetInt(i)
			return out, nil
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if i, ok := toInt64(rv); ok {
			out := reflect.New(t).Elem()
			if i < 0 || out.OverflowUint(uint64(i)) {
				return reflect.Value{}, fmt.Errorf("value %d overflows %s", i, t)
			}
			out.SetUint(uint64(i))
			return out, nil
		}

	case reflect.Float32, reflect.Float64:
		if f, ok := toFloat64(rv); ok {
			out := reflect.New(t).Elem()
			if out.OverflowFloat(f) {
				return reflect.Value{}, fmt.Errorf("value %g overflows %s", f, t)
			}
			out.SetFloat(f)
			return out, nil
		}

	case reflect.String:
		if rv.Kind() == reflect.String {
			out := reflect.New(t).Elem()
			out.SetString(rv.String())
			return out, nil
		}

	case reflect.Slice:
		return d.convertSlice(rv, t)

	case reflect.Array:
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if rv.Len() > t.Len() {
				return reflect.Value{}, fmt.Errorf("%d elements do not fit %s", rv.Len(), t)
			}
			out := reflect.New(t).Elem()
			for i := range rv.Len() {
				if err := d.assign(out.Index(i), rv.Index(i).Interface()); err != nil {
					return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
				}
			}
			return out, nil
		}

	case reflect.Map:
		return d.convertMap(rv, t)

	case reflect.Struct:
		return d.convertStruct(rv, t)
	}

	if rv.Kind() == t.Kind() && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %T to %s", errMismatch, v, t)
}

func (d *Decoder) convertPointer(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	if om, ok := rv.Interface().(*OrderedMap); ok && t.Elem().Kind() == reflect.Struct {
		key := convKey{src: rv.Pointer(), typ: t}
		if p, ok := d.converted[key]; ok {
			return p, nil
		}
		p := reflect.New(t.Elem())
		if d.converted == nil {
			d.converted = make(map[convKey]reflect.Value)
		}
		d.converted[key] = p
		if err := d.fillStruct(p.Elem(), om.All()); err != nil {
			return reflect.Value{}, err
		}
		return p, nil
	}

	inner, err := d.convert(rv.Interface(), t.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	p := reflect.New(t.Elem())
	p.Elem().Set(inner)
	return p, nil
}

func (d *Decoder) convertSlice(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return reflect.Value{}, fmt.Errorf("%w: %s to %s", errMismatch, rv.Type(), t)
	}
	if rv.Kind() == reflect.Slice && rv.Type().ConvertibleTo(t) && rv.Type().Elem() == t.Elem() {
		return rv.Convert(t), nil
	}

	n := rv.Len()
	out := reflect.MakeSlice(t, n, n)
	for i := range n {
		if err := d.assign(out.Index(i), rv.Index(i).Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return out, nil
}

func (d *Decoder) convertMap(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.MakeMapWithSize(t, 0)
	put := func(k, v any) error {
		kv, err := d.convert(k, t.Key())
		if err != nil {
			return fmt.Errorf("key %v: %w", k, err)
		}
		if !kv.Comparable() {
			return fmt.Errorf("key %v is not comparable", k)
		}
		vv, err := d.convert(v, t.Elem())
		if err != nil {
			return fmt.Errorf("value %v: %w", k, err)
		}
		out.SetMapIndex(kv, vv)
		return nil
	}

	if om, ok := rv.Interface().(*OrderedMap); ok {
		for k, v := range om.All() {
			if err := put(k, v); err != nil {
				return reflect.Value{}, err
			}
		}
		return out, nil
	}
	if rv.Kind() != reflect.Map {
		return reflect.Value{}, fmt.Errorf("%w: %s to %s", errMismatch, rv.Type(), t)
	}
	iter := rv.MapRange()
	for iter.Next() {
		if err := put(iter.Key().Interface(), iter.Value().Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return out, nil
}

func (d *Decoder) convertStruct(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	if t == timeType {
		if cv, ok := rv.Interface().(objects.CalendarValue); ok {
			return reflect.ValueOf(cv.CalendarTime()), nil
		}
	}
	if rv.Kind() == reflect.Pointer && rv.Type().Elem() == t {
		return rv.Elem(), nil
	}

	out := reflect.New(t).Elem()
	if om, ok := rv.Interface().(*OrderedMap); ok {
		return out, d.fillStruct(out, om.All())
	}
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		entries := func(yield func(string, any) bool) {
			iter := rv.MapRange()
			for iter.Next() {
				if !yield(iter.Key().String(), iter.Value().Interface()) {
					return
				}
			}
		}
		return out, d.fillStruct(out, entries)
	}
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.Interface {
		entries := func(yield func(string, any) bool) {
			iter := rv.MapRange()
			for iter.Next() {
				if k, ok := iter.Key().Interface().(string); ok && !yield(k, iter.Value().Interface()) {
					return
				}
			}
		}
		return out, d.fillStruct(out, entries)
	}
	return reflect.Value{}, fmt.Errorf("%w: %s to %s", errMismatch, rv.Type(), t)
}

// fillStruct assigns named entries to the fields of dst, skipping fields
// that do not exist or do not fit unless decoding is strict.
func (d *Decoder) fillStruct(dst reflect.Value, entries func(yield func(string, any) bool)) error {
	t := dst.Type()
	sh := shapeOf(t)
	strict := d.strict || isStrict(t)

	var err error
	entries(func(name string, v any) bool {
		i, ok := sh.byName[name]
		if !ok {
			d.log.Debug("skipping unknown field", "type", t.String(), "field", name)
			return true
		}
		f := sh.fields[i]
		if aerr := d.assign(dst.FieldByIndex(f.index), v); aerr != nil {
			ferr := &FieldAssignmentError{Field: name, Target: f.typ, Value: v, Err: aerr}
			if strict {
				err = ferr
				return false
			}
			d.log.Debug("skipping field", "type", t.String(), "field", name, "error", aerr)
		}
		return true
	})
	return err
}

func toInt64(v reflect.Value) (int64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func toFloat64(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}
