package serialization

import (
	"errors"
	"fmt"
	"iter"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-hessian/objects"
)

func TestUUID(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	data := encodeBytes(t, nil, id)
	assert.True(t, strings.Contains(string(data), "java.util.UUID"))
	assert.Equal(t, id, decodeOne(t, data))

	var got uuid.UUID
	decodeInto(t, data, &got)
	assert.Equal(t, id, got)
}

func TestBigNumbers(t *testing.T) {
	n, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	gotInt, ok := decodeOne(t, encodeBytes(t, nil, n)).(*big.Int)
	require.True(t, ok)
	assert.Zero(t, n.Cmp(gotInt))

	f := big.NewFloat(1.5)
	gotFloat, ok := decodeOne(t, encodeBytes(t, nil, f)).(*big.Float)
	require.True(t, ok)
	assert.Zero(t, f.Cmp(gotFloat))

	bad := NewOrderedMap("java.math.BigInteger")
	bad.Set("value", "12x")
	d := NewDecoder(strings.NewReader(string(encodeBytes(t, nil, bad))))
	defer d.Close()
	_, err := d.Decode()
	assert.ErrorIs(t, err, ErrTypeResolution)
}

func TestClassValues(t *testing.T) {
	reg := testRegistry(t)
	tests := []struct {
		typ  reflect.Type
		want string
	}{
		{reflect.TypeFor[int32](), "int"},
		{reflect.TypeFor[string](), "string"},
		{reflect.TypeFor[point](), "com.example.Point"},
		{reflect.TypeFor[[]int64](), "[long"},
		{reflect.TypeFor[celsius](), "github.com/smnsjas/go-hessian/serialization.celsius"},
	}
	for _, tt := range tests {
		data := encodeBytes(t, []Option{WithRegistry(reg)}, tt.typ)
		assert.Equal(t, &objects.Class{Name: tt.want}, decodeOne(t, data), tt.typ.String())
	}
}

func TestThrowable(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		got, ok := decodeOne(t, encodeBytes(t, nil, errors.New("boom"))).(*objects.Throwable)
		require.True(t, ok)
		assert.Equal(t, objects.RuntimeErrorType, got.Type)
		assert.Equal(t, "boom", got.DetailMessage)
		assert.Nil(t, got.Cause)
		assert.EqualError(t, got, "java.lang.RuntimeException: boom")
	})

	t.Run("wrapped cause", func(t *testing.T) {
		inner := errors.New("disk full")
		got, ok := decodeOne(t, encodeBytes(t, nil, fmt.Errorf("save: %w", inner))).(*objects.Throwable)
		require.True(t, ok)
		assert.Equal(t, "save: disk full", got.DetailMessage)
		require.NotNil(t, got.Cause)
		assert.Equal(t, "disk full", got.Cause.DetailMessage)
	})

	t.Run("stack trace", func(t *testing.T) {
		in := &objects.Throwable{
			Type:          "java.lang.IllegalStateException",
			DetailMessage: "closed",
			StackTrace: []objects.StackFrame{
				{DeclaringClass: "com.example.Service", MethodName: "call", FileName: "Service.java", LineNumber: 42},
				{DeclaringClass: "com.example.Main", MethodName: "main"},
			},
		}
		got, ok := decodeOne(t, encodeBytes(t, nil, in)).(*objects.Throwable)
		require.True(t, ok)
		assert.Equal(t, in, got)
		assert.Contains(t, fmt.Sprintf("%+v", got), "at com.example.Service.call(Service.java:42)")
	})

	t.Run("self cause", func(t *testing.T) {
		in := &objects.Throwable{DetailMessage: "loop"}
		in.Cause = in
		got, ok := decodeOne(t, encodeBytes(t, nil, in)).(*objects.Throwable)
		require.True(t, ok)
		assert.Same(t, got, got.Cause)
		assert.NoError(t, got.Unwrap())
	})

	t.Run("unknown exception type", func(t *testing.T) {
		om := NewOrderedMap("com.example.CustomException")
		om.Set("detailMessage", "custom")
		got := decodeOne(t, encodeBytes(t, nil, om))
		assert.IsType(t, &OrderedMap{}, got)
	})
}

func TestCalendar(t *testing.T) {
	ts := time.Date(2023, 12, 24, 18, 0, 0, 0, time.UTC)
	data := encodeBytes(t, nil, objects.Calendar{Time: ts})
	assert.True(t, strings.Contains(string(data), objects.CalendarType))
	assert.Equal(t, objects.Calendar{Time: ts}, decodeOne(t, data))

	var got time.Time
	decodeInto(t, data, &got)
	assert.Equal(t, ts, got)
}

func TestRemote(t *testing.T) {
	in := &objects.Remote{Type: "com.example.Api", URL: "http://localhost/api"}
	data := encodeBytes(t, nil, []any{in, in})
	// Remote references are not shared.
	assert.Equal(t, 2, strings.Count(string(data), "http://localhost/api"))

	list := decodeOne(t, data).([]any)
	require.Len(t, list, 2)
	assert.Equal(t, in, list[0])
	assert.Equal(t, in, list[1])
}

func TestStreamingValues(t *testing.T) {
	t.Run("reader", func(t *testing.T) {
		data := encodeBytes(t, nil, strings.NewReader("payload"))
		assert.Equal(t, []byte("payload"), decodeOne(t, data))
	})

	t.Run("iterator", func(t *testing.T) {
		var seq iter.Seq[any] = func(yield func(any) bool) {
			for _, v := range []any{"a", 1} {
				if !yield(v) {
					return
				}
			}
		}
		data := encodeBytes(t, nil, seq)
		assert.Equal(t, byte('V'), data[0])
		assert.Equal(t, byte(0xd1), data[1], "no length is written")
		assert.Equal(t, []any{"a", int32(1)}, decodeOne(t, data))
	})

	t.Run("enumerator", func(t *testing.T) {
		data := encodeBytes(t, nil, objects.NewSliceEnumerator(true, nil))
		assert.Equal(t, []byte{'V', 'T', 'N', 'z'}, data)
		assert.Equal(t, []any{true, nil}, decodeOne(t, data))
	})

	t.Run("empty enumerator", func(t *testing.T) {
		data := encodeBytes(t, nil, objects.NewSliceEnumerator())
		assert.Equal(t, []any{}, decodeOne(t, data))
	})
}
