package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/smnsjas/go-hessian/grammar"
)

var (
	// ErrProtocolFormat is returned for malformed streams: an unexpected
	// tag byte, a truncated chunk or an inconsistent length prefix.
	ErrProtocolFormat = errors.New("protocol format error")
	// ErrTypeResolution is returned when no codec can handle a type or a
	// decoded type name.
	ErrTypeResolution = errors.New("type resolution error")
	// ErrFieldAssignment is returned when a decoded value cannot be stored
	// in its target.
	ErrFieldAssignment = errors.New("field assignment error")
	// ErrReferenceIntegrity is returned for back-references to ids that
	// were never assigned or whose value is not yet complete.
	ErrReferenceIntegrity = errors.New("reference integrity error")
	// ErrMaxRecursionDepth is returned when nesting exceeds the configured
	// depth limit.
	ErrMaxRecursionDepth = errors.New("maximum recursion depth exceeded")
	// ErrNameTooLong is returned when a type, header or method name does
	// not fit its two byte length prefix.
	ErrNameTooLong = errors.New("name longer than 65535 units")
)

// ProtocolError describes a malformed stream. Offset is the position of
// the offending byte.
type ProtocolError struct {
	Tag    byte
	Offset int64
	Msg    string
	Err    error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("hessian: ")
	b.WriteString(e.Msg)
	fmt.Fprintf(&b, " at offset %d", e.Offset)
	if e.Tag != 0 {
		fmt.Fprintf(&b, " (tag %s)", grammar.TagName(e.Tag))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is reports whether target is ErrProtocolFormat.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolFormat }

func (e *ProtocolError) Unwrap() error { return e.Err }

// TypeResolutionError reports a Go type or wire type name with no codec.
type TypeResolutionError struct {
	Name string
	Type reflect.Type
	Err  error
}

func (e *TypeResolutionError) Error() string {
	subject := e.Name
	if e.Type != nil {
		subject = e.Type.String()
		if e.Name != "" {
			subject = fmt.Sprintf("%s (%s)", e.Name, e.Type)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("hessian: cannot resolve %s: %v", subject, e.Err)
	}
	return "hessian: no codec for " + subject
}

// Is reports whether target is ErrTypeResolution.
func (e *TypeResolutionError) Is(target error) bool { return target == ErrTypeResolution }

func (e *TypeResolutionError) Unwrap() error { return e.Err }

// FieldAssignmentError reports a decoded value that does not fit its
// target. Field is empty when the target is the top-level value.
type FieldAssignmentError struct {
	Field  string
	Target reflect.Type
	Value  any
	Err    error
}

func (e *FieldAssignmentError) Error() string {
	where := "value"
	if e.Field != "" {
		where = "field " + e.Field
	}
	msg := fmt.Sprintf("hessian: cannot assign %T to %s of type %v", e.Value, where, e.Target)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrFieldAssignment.
func (e *FieldAssignmentError) Is(target error) bool { return target == ErrFieldAssignment }

func (e *FieldAssignmentError) Unwrap() error { return e.Err }

// ReferenceError reports a back-reference that cannot be resolved.
type ReferenceError struct {
	Ref int
	Err error
}

func (e *ReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hessian: back-reference %d: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("hessian: back-reference %d", e.Ref)
}

// Is reports whether target is ErrReferenceIntegrity.
func (e *ReferenceError) Is(target error) bool { return target == ErrReferenceIntegrity }

func (e *ReferenceError) Unwrap() error { return e.Err }
