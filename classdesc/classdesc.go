// Package classdesc implements the per-stream class descriptor cache.
//
// The first object of a given type in a stream carries the type name and
// its field names and is assigned the next class handle, starting at 0.
// Later objects of that type carry only the handle. The writer keeps
// name→handle; the reader keeps handle→definition.
package classdesc

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownHandle is returned when an object refers to a class handle
// the stream never defined.
var ErrUnknownHandle = errors.New("unknown class handle")

// Definition is a class as recorded on its first occurrence.
type Definition struct {
	Type   string
	Fields []string
}

// Writer maps type names to class handles on the encode side.
type Writer struct {
	handles map[string]int
	fields  [][]string
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{handles: make(map[string]int)}
}

// Lookup returns the handle already assigned to name.
func (w *Writer) Lookup(name string) (int, bool) {
	h, ok := w.handles[name]
	return h, ok
}

// Define assigns the next handle to name and records the field order
// every later instance of the type must follow.
func (w *Writer) Define(name string, fields []string) int {
	if h, ok := w.handles[name]; ok {
		return h
	}
	h := len(w.fields)
	w.handles[name] = h
	w.fields = append(w.fields, slices.Clone(fields))
	return h
}

// Fields returns the field order recorded for handle.
func (w *Writer) Fields(handle int) []string {
	if handle < 0 || handle >= len(w.fields) {
		return nil
	}
	return w.fields[handle]
}

// Len returns the number of handles assigned.
func (w *Writer) Len() int {
	return len(w.fields)
}

// Truncate forgets every handle numbered n or above.
func (w *Writer) Truncate(n int) {
	if n < 0 || n >= len(w.fields) {
		return
	}
	for name, h := range w.handles {
		if h >= n {
			delete(w.handles, name)
		}
	}
	clear(w.fields[n:])
	w.fields = w.fields[:n]
}

// Reset clears the cache for a new session.
func (w *Writer) Reset() {
	clear(w.handles)
	clear(w.fields)
	w.fields = w.fields[:0]
}

// Reader maps class handles to definitions on the decode side.
type Reader struct {
	defs []Definition
}

// NewReader returns an empty Reader.
func NewReader() *Reader {
	return &Reader{}
}

// Define records def under the next handle and returns it.
func (r *Reader) Define(def Definition) int {
	r.defs = append(r.defs, def)
	return len(r.defs) - 1
}

// Get returns the definition recorded for handle.
func (r *Reader) Get(handle int) (Definition, error) {
	if handle < 0 || handle >= len(r.defs) {
		return Definition{}, fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}
	return r.defs[handle], nil
}

// Len returns the number of handles defined.
func (r *Reader) Len() int {
	return len(r.defs)
}

// Reset clears the cache for a new session.
func (r *Reader) Reset() {
	clear(r.defs)
	r.defs = r.defs[:0]
}
