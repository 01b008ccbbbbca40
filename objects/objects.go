// Package objects defines the well-known complex values Hessian peers
// exchange with dedicated wire shapes.
//
// The serialization registry recognizes these types, and the capability
// interfaces below, before it falls back to the structural codec.
//
// # Remote
//
// A Remote is a reference to an object served elsewhere, written as the
// remote type name and the URL it is reachable at:
//
//	r := &objects.Remote{Type: "com.example.Echo", URL: "http://host/echo"}
//
// Any type implementing [RemoteObject] is written the same way.
//
// # Throwable
//
// Throwable carries an exception across the wire. Any Go error that is
// not already a *Throwable is written as one, its Unwrap chain becoming
// the cause chain:
//
//	t := &objects.Throwable{
//	    Type:          "java.lang.IllegalStateException",
//	    DetailMessage: "not ready",
//	}
//
// # Capabilities
//
// [Enum], [CalendarValue] and [Enumerator] let user types opt into the
// enum, calendar and iterator wire shapes without registration.
package objects

import (
	"fmt"
	"strings"
	"time"
)

// Well-known type names.
const (
	RemoteType       = "com.caucho.hessian.io.HessianRemote"
	ThrowableType    = "java.lang.Throwable"
	RuntimeErrorType = "java.lang.RuntimeException"
	StackFrameType   = "java.lang.StackTraceElement"
	CalendarType     = "java.util.GregorianCalendar"
	ClassType        = "java.lang.Class"
)

// ThrowableTypes lists the exception type names decoded as *Throwable
// without registration.
var ThrowableTypes = []string{
	ThrowableType,
	"java.lang.Exception",
	RuntimeErrorType,
	"java.lang.Error",
	"java.lang.IllegalArgumentException",
	"java.lang.IllegalStateException",
	"java.lang.NullPointerException",
	"java.lang.UnsupportedOperationException",
	"java.io.IOException",
	"com.caucho.hessian.io.HessianProtocolException",
	"com.caucho.hessian.io.HessianServiceException",
}

// RemoteObject is implemented by values that are written as remote
// references.
type RemoteObject interface {
	HessianRemote() (typ, url string)
}

// Remote is a decoded remote reference.
type Remote struct {
	Type string
	URL  string
}

// HessianRemote implements RemoteObject.
func (r *Remote) HessianRemote() (typ, url string) {
	return r.Type, r.URL
}

func (r *Remote) String() string {
	return fmt.Sprintf("remote %s at %s", r.Type, r.URL)
}

// Throwable is an exception value.
//
// Type is the wire type name; it is empty for values built in Go and
// defaults to RuntimeErrorType when written.
type Throwable struct {
	Type          string       `hessian:"-"`
	DetailMessage string       `hessian:"detailMessage"`
	Cause         *Throwable   `hessian:"cause"`
	StackTrace    []StackFrame `hessian:"stackTrace"`
}

// NewThrowable converts err into a Throwable, following its Unwrap chain.
// A *Throwable anywhere at the head of the chain is returned as is.
func NewThrowable(err error) *Throwable {
	if err == nil {
		return nil
	}
	if t, ok := err.(*Throwable); ok {
		return t
	}

	t := &Throwable{DetailMessage: err.Error()}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		t.Cause = NewThrowable(u.Unwrap())
	}
	return t
}

// TypeName returns the wire type name.
func (t *Throwable) TypeName() string {
	if t.Type == "" {
		return RuntimeErrorType
	}
	return t.Type
}

func (t *Throwable) Error() string {
	if t.DetailMessage == "" {
		return t.TypeName()
	}
	return t.TypeName() + ": " + t.DetailMessage
}

// Unwrap returns the cause, if any.
func (t *Throwable) Unwrap() error {
	if t.Cause == nil || t.Cause == t {
		return nil
	}
	return t.Cause
}

// Format prints the stack trace with %+v.
func (t *Throwable) Format(s fmt.State, verb rune) {
	if verb != 'v' || !s.Flag('+') {
		fmt.Fprint(s, t.Error())
		return
	}

	var b strings.Builder
	for cur, depth := t, 0; cur != nil && depth < 64; cur, depth = cur.Cause, depth+1 {
		if depth > 0 {
			b.WriteString("\ncaused by: ")
		}
		b.WriteString(cur.Error())
		for _, f := range cur.StackTrace {
			b.WriteString("\n\tat ")
			b.WriteString(f.String())
		}
		if cur.Cause == cur {
			break
		}
	}
	fmt.Fprint(s, b.String())
}

// StackFrame is one frame of a Throwable stack trace.
type StackFrame struct {
	DeclaringClass string `hessian:"declaringClass"`
	MethodName     string `hessian:"methodName"`
	FileName       string `hessian:"fileName"`
	LineNumber     int32  `hessian:"lineNumber"`
}

func (f StackFrame) String() string {
	if f.FileName == "" {
		return fmt.Sprintf("%s.%s(Unknown Source)", f.DeclaringClass, f.MethodName)
	}
	return fmt.Sprintf("%s.%s(%s:%d)", f.DeclaringClass, f.MethodName, f.FileName, f.LineNumber)
}

// CalendarValue is implemented by values written as calendar objects.
type CalendarValue interface {
	CalendarTime() time.Time
}

// Calendar is a decoded calendar object.
type Calendar struct {
	Time time.Time
}

// CalendarTime implements CalendarValue.
func (c Calendar) CalendarTime() time.Time {
	return c.Time
}

// Enum is implemented by enumerated values. They are written as an object
// carrying only the constant's name and decoded back to the registered
// constant with that name.
type Enum interface {
	EnumName() string
}

// Class is a type handle written as an object carrying the type name.
type Class struct {
	Name string `hessian:"name"`
}

// Enumerator is implemented by cursor-style sequences. They are written
// as lists without a length.
type Enumerator interface {
	Next() bool
	Value() any
}

// SliceEnumerator enumerates a slice.
type SliceEnumerator struct {
	items []any
	pos   int
}

// NewSliceEnumerator returns an Enumerator over items.
func NewSliceEnumerator(items ...any) *SliceEnumerator {
	return &SliceEnumerator{items: items, pos: -1}
}

// Next advances to the next item.
func (e *SliceEnumerator) Next() bool {
	if e.pos+1 >= len(e.items) {
		e.pos = len(e.items)
		return false
	}
	e.pos++
	return true
}

// Value returns the current item.
func (e *SliceEnumerator) Value() any {
	if e.pos < 0 || e.pos >= len(e.items) {
		return nil
	}
	return e.items[e.pos]
}
