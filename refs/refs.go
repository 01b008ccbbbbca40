// Package refs implements the per-session reference tables that let a
// Hessian stream share and cycle objects.
//
// The encoder side (Writer) maps object identity to a stream-local id.
// The decoder side (Reader) is an arena indexed by the same ids. Both
// sides assign ids in first-encounter order starting at 0, one id per
// list, map or object begin marker, so the tables stay in step without
// any id ever appearing on the wire except inside a back-reference.
//
// Neither table is safe for concurrent use; each session owns its own.
package refs

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"
)

var (
	// ErrUnknownRef is returned when a back-reference names an id that
	// was never assigned.
	ErrUnknownRef = errors.New("unknown reference")
	// ErrIncompleteRef is returned when a back-reference names a value
	// whose construction has not reached a point where it can be shared.
	ErrIncompleteRef = errors.New("reference to incomplete value")
)

// Identity is the identity of an encoded value. Two values share an
// identity when they are the same pointer, the same map, or slices over
// the same backing array with the same length and type.
type Identity struct {
	Type reflect.Type
	Ptr  unsafe.Pointer
	Len  int
}

// IdentityOf returns the identity of v. It reports false for values with
// no usable identity: non-reference kinds, nil values and empty slices.
func IdentityOf(v reflect.Value) (Identity, bool) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map:
		if v.IsNil() {
			return Identity{}, false
		}
		return Identity{Type: v.Type(), Ptr: v.UnsafePointer()}, true
	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return Identity{}, false
		}
		return Identity{Type: v.Type(), Ptr: v.UnsafePointer(), Len: v.Len()}, true
	}
	return Identity{}, false
}

// Writer is the encode-side reference table.
type Writer struct {
	ids  map[Identity]int
	next int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{ids: make(map[Identity]int, 16)}
}

// Add looks up id. When it was seen before, Add returns its existing
// reference and true, and the caller writes a back-reference. Otherwise
// it assigns the next reference and returns false.
func (w *Writer) Add(id Identity) (ref int, seen bool) {
	if ref, ok := w.ids[id]; ok {
		return ref, true
	}
	ref = w.next
	w.next++
	w.ids[id] = ref
	return ref, false
}

// Reserve consumes the next reference for a value that cannot be shared.
func (w *Writer) Reserve() int {
	ref := w.next
	w.next++
	return ref
}

// Remove drops the mapping for id. Its reference stays consumed: the
// begin marker that claimed it is already written, so later values keep
// their numbering.
func (w *Writer) Remove(id Identity) {
	delete(w.ids, id)
}

// Replace moves the reference held by old to new, so back-references
// written for old keep resolving after a substitution.
func (w *Writer) Replace(old, new Identity) {
	ref, ok := w.ids[old]
	if !ok {
		return
	}
	delete(w.ids, old)
	w.ids[new] = ref
}

// Lookup returns the reference held by id, if any.
func (w *Writer) Lookup(id Identity) (int, bool) {
	ref, ok := w.ids[id]
	return ref, ok
}

// Next returns the reference the next Add or Reserve will assign.
func (w *Writer) Next() int {
	return w.next
}

// Len returns the number of references assigned so far.
func (w *Writer) Len() int {
	return w.next
}

// Truncate forgets every reference numbered n or above, so the next
// assigned reference is n again.
func (w *Writer) Truncate(n int) {
	if n < 0 || n >= w.next {
		return
	}
	for id, ref := range w.ids {
		if ref >= n {
			delete(w.ids, id)
		}
	}
	w.next = n
}

// Reset clears the table for a new session.
func (w *Writer) Reset() {
	clear(w.ids)
	w.next = 0
}

type slotState uint8

const (
	slotPending slotState = iota
	slotBound
)

type slot struct {
	value any
	state slotState
}

// Reader is the decode-side reference arena.
type Reader struct {
	slots []slot
}

// NewReader returns an empty Reader.
func NewReader() *Reader {
	return &Reader{slots: make([]slot, 0, 16)}
}

// Reserve assigns the next reference to a value about to be decoded.
// The slot stays pending until Set binds it.
func (r *Reader) Reserve() int {
	r.slots = append(r.slots, slot{})
	return len(r.slots) - 1
}

// Set binds ref to v. Objects and maps are bound as soon as they are
// allocated so that cycles through them resolve; binding again replaces
// the value, which is how post-decode resolution takes effect.
func (r *Reader) Set(ref int, v any) {
	if ref < 0 || ref >= len(r.slots) {
		return
	}
	r.slots[ref] = slot{value: v, state: slotBound}
}

// Get returns the value bound to ref.
func (r *Reader) Get(ref int) (any, error) {
	if ref < 0 || ref >= len(r.slots) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRef, ref)
	}
	s := r.slots[ref]
	if s.state != slotBound {
		return nil, fmt.Errorf("%w: %d", ErrIncompleteRef, ref)
	}
	return s.value, nil
}

// Len returns the number of references assigned so far.
func (r *Reader) Len() int {
	return len(r.slots)
}

// Reset clears the arena for a new session.
func (r *Reader) Reset() {
	clear(r.slots)
	r.slots = r.slots[:0]
}
