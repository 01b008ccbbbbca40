package objects

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewThrowableFollowsUnwrap(t *testing.T) {
	err := fmt.Errorf("load config: %w", io.ErrUnexpectedEOF)

	th := NewThrowable(err)
	if th.DetailMessage != "load config: unexpected EOF" {
		t.Errorf("DetailMessage = %q", th.DetailMessage)
	}
	if th.Cause == nil {
		t.Fatal("expected a cause")
	}
	if th.Cause.DetailMessage != "unexpected EOF" {
		t.Errorf("cause DetailMessage = %q", th.Cause.DetailMessage)
	}
	if th.Cause.Cause != nil {
		t.Error("unexpected second cause")
	}
	if th.TypeName() != RuntimeErrorType {
		t.Errorf("TypeName = %q", th.TypeName())
	}

	if NewThrowable(nil) != nil {
		t.Error("NewThrowable(nil) should be nil")
	}
	if NewThrowable(th) != th {
		t.Error("NewThrowable should return an existing *Throwable")
	}
}

func TestThrowableErrorChain(t *testing.T) {
	root := &Throwable{Type: "java.io.IOException", DetailMessage: "disk"}
	top := &Throwable{Type: "java.lang.IllegalStateException", DetailMessage: "save", Cause: root}

	if got := top.Error(); got != "java.lang.IllegalStateException: save" {
		t.Errorf("Error() = %q", got)
	}
	var target *Throwable
	if !errors.As(top.Unwrap(), &target) || target != root {
		t.Error("Unwrap should return the cause")
	}

	self := &Throwable{DetailMessage: "loop"}
	self.Cause = self
	if self.Unwrap() != nil {
		t.Error("self cause should unwrap to nil")
	}
	if (&Throwable{}).Unwrap() != nil {
		t.Error("nil cause should unwrap to untyped nil")
	}
}

func TestThrowableFormat(t *testing.T) {
	th := &Throwable{
		DetailMessage: "boom",
		StackTrace: []StackFrame{
			{DeclaringClass: "com.example.Svc", MethodName: "run", FileName: "Svc.java", LineNumber: 42},
			{DeclaringClass: "com.example.Main", MethodName: "main"},
		},
		Cause: &Throwable{Type: "java.io.IOException", DetailMessage: "disk"},
	}

	out := fmt.Sprintf("%+v", th)
	for _, want := range []string{
		"java.lang.RuntimeException: boom",
		"\tat com.example.Svc.run(Svc.java:42)",
		"\tat com.example.Main.main(Unknown Source)",
		"caused by: java.io.IOException: disk",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("%%+v output missing %q:\n%s", want, out)
		}
	}
	if got := fmt.Sprintf("%v", th); got != "java.lang.RuntimeException: boom" {
		t.Errorf("%%v = %q", got)
	}
}

func TestRemote(t *testing.T) {
	var ro RemoteObject = &Remote{Type: "com.example.Echo", URL: "http://localhost/echo"}
	typ, url := ro.HessianRemote()
	if typ != "com.example.Echo" || url != "http://localhost/echo" {
		t.Errorf("HessianRemote() = %q, %q", typ, url)
	}
}

func TestCalendar(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var cv CalendarValue = Calendar{Time: now}
	if !cv.CalendarTime().Equal(now) {
		t.Error("CalendarTime mismatch")
	}
}

func TestSliceEnumerator(t *testing.T) {
	e := NewSliceEnumerator(1, "two", 3.0)
	if e.Value() != nil {
		t.Error("Value before Next should be nil")
	}

	var got []any
	for e.Next() {
		got = append(got, e.Value())
	}
	if len(got) != 3 || got[1] != "two" {
		t.Errorf("enumerated %v", got)
	}
	if e.Next() {
		t.Error("Next after end should be false")
	}
	if e.Value() != nil {
		t.Error("Value after end should be nil")
	}
}
