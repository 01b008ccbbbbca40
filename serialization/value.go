package serialization

import (
	"iter"
	"slices"
)

// OrderedMap is an object or map whose keys keep their wire order.
//
// Objects of a type the registry does not know decode as an OrderedMap
// with Type set to the wire type name, so they can be inspected and
// written back unchanged. An OrderedMap with an empty Type is written as
// an untyped map with string keys.
type OrderedMap struct {
	Type   string
	keys   []string
	values map[string]any
}

// NewOrderedMap returns an empty OrderedMap for the given type name.
func NewOrderedMap(typ string) *OrderedMap {
	return &OrderedMap{Type: typ, values: make(map[string]any)}
}

// Set stores v under key, appending key if it is new.
func (m *OrderedMap) Set(key string, v any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get returns the value stored under key.
func (m *OrderedMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key.
func (m *OrderedMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	return slices.Clone(m.keys)
}

// Len returns the number of keys.
func (m *OrderedMap) Len() int {
	return len(m.keys)
}

// All iterates over the entries in insertion order.
func (m *OrderedMap) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, k := range m.keys {
			if !yield(k, m.values[k]) {
				return
			}
		}
	}
}
