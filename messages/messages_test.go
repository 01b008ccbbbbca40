package messages

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-hessian/objects"
	"github.com/smnsjas/go-hessian/serialization"
)

func TestCallEncode(t *testing.T) {
	c := NewCall("add2", 2, 3)
	data, err := c.Encode()
	require.NoError(t, err)

	want := []byte{'c', 0x02, 0x00, 'm', 0x00, 0x04, 'a', 'd', 'd', '2', 0x92, 0x93, 'z'}
	assert.Equal(t, want, data)
}

func TestCallRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		call *Call
		want *Call
	}{
		{
			name: "no arguments",
			call: &Call{Method: "ping"},
			want: &Call{Method: "ping"},
		},
		{
			name: "headers and arguments",
			call: &Call{
				Method:  "transfer",
				Headers: []Header{{Name: "trace", Value: "abc"}, {Name: "retry", Value: 2}},
				Args:    []any{"alice", "bob", 12.5, nil},
			},
			want: &Call{
				Method:  "transfer",
				Headers: []Header{{Name: "trace", Value: "abc"}, {Name: "retry", Value: int32(2)}},
				Args:    []any{"alice", "bob", 12.5, nil},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.call.Encode()
			require.NoError(t, err)
			got, err := DecodeCall(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallSharesReferencesAcrossArguments(t *testing.T) {
	shared := map[string]any{"k": "v"}
	data, err := NewCall("pair", shared, shared).Encode()
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte{0x5b, 0x00, 'z'}))

	got, err := DecodeCall(data)
	require.NoError(t, err)
	require.Len(t, got.Args, 2)
	first, ok := got.Args[0].(map[any]any)
	require.True(t, ok)
	first["added"] = true
	assert.Equal(t, true, got.Args[1].(map[any]any)["added"])
}

func TestCallHeaderLookup(t *testing.T) {
	c := &Call{Method: "m", Headers: []Header{{Name: "a", Value: 1}, {Name: "a", Value: 2}}}
	v, ok := c.Header("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Header("b")
	assert.False(t, ok)
}

func TestCallRequiresMethod(t *testing.T) {
	_, err := (&Call{}).Encode()
	assert.Error(t, err)
}

func TestCallWriteToRollsBackFailedArgument(t *testing.T) {
	var buf bytes.Buffer
	e := serialization.NewEncoder(&buf)
	defer e.Close()

	err := NewCall("store", map[string]any{"k": "v"}, make(chan int)).WriteTo(e)
	require.Error(t, err)
	assert.ErrorIs(t, err, serialization.ErrTypeResolution)
	assert.Empty(t, buf.Bytes())
	assert.Empty(t, e.Buffered())

	require.NoError(t, NewCall("store", map[string]any{"k": "v"}).WriteTo(e))
	require.NoError(t, e.Flush())
	fresh, err := NewCall("store", map[string]any{"k": "v"}).Encode()
	require.NoError(t, err)
	assert.Equal(t, fresh, buf.Bytes(), "failed call must not consume reference ids")
}

func TestLongNamesRejected(t *testing.T) {
	long := strings.Repeat("m", 0x10000)

	_, err := NewCall(long).Encode()
	assert.ErrorIs(t, err, serialization.ErrNameTooLong)

	_, err = (&Call{Method: "m", Headers: []Header{{Name: long, Value: 1}}}).Encode()
	assert.ErrorIs(t, err, serialization.ErrNameTooLong)

	_, err = (&Reply{Headers: []Header{{Name: long}}}).Encode()
	assert.ErrorIs(t, err, serialization.ErrNameTooLong)
}

func TestReplyRoundTrip(t *testing.T) {
	r := &Reply{Headers: []Header{{Name: "server", Value: "test"}}, Value: []any{"a", int64(1) << 40}}
	data, err := r.Encode()
	require.NoError(t, err)

	got, err := DecodeReply(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	v, err := got.Result()
	require.NoError(t, err)
	assert.Equal(t, r.Value, v)
}

func TestNullReply(t *testing.T) {
	data, err := NewReply(nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{'r', 0x02, 0x00, 'N', 'z'}, data)

	got, err := DecodeReply(data)
	require.NoError(t, err)
	assert.Nil(t, got.Value)
	assert.Nil(t, got.Fault)
}

func TestFaultReply(t *testing.T) {
	t.Run("without detail", func(t *testing.T) {
		data, err := NewFaultReply(FaultNoSuchMethod, "no method add3", nil).Encode()
		require.NoError(t, err)

		got, err := DecodeReply(data)
		require.NoError(t, err)
		require.NotNil(t, got.Fault)
		assert.Equal(t, FaultNoSuchMethod, got.Fault.Code)
		assert.Equal(t, "no method add3", got.Fault.Message)
		assert.Nil(t, got.Fault.Detail)

		_, err = got.Result()
		assert.EqualError(t, err, "hessian fault NoSuchMethodException: no method add3")
	})

	t.Run("throwable detail", func(t *testing.T) {
		detail := &objects.Throwable{Type: "java.lang.IllegalStateException", DetailMessage: "closed"}
		data, err := NewFaultReply(FaultService, "failed", detail).Encode()
		require.NoError(t, err)

		got, err := DecodeReply(data)
		require.NoError(t, err)
		_, err = got.Result()

		var th *objects.Throwable
		require.True(t, errors.As(err, &th))
		assert.Equal(t, "closed", th.DetailMessage)
	})

	t.Run("unknown keys are skipped", func(t *testing.T) {
		e := serialization.NewEncoder(nil)
		defer e.Close()
		e.StartReply()
		require.NoError(t, e.WriteFault(FaultProtocol, "bad", nil))
		data := append([]byte(nil), e.Buffered()...)
		// Insert an extra pair before the fault's end marker.
		extra := []byte{0xd5, 'e', 'x', 't', 'r', 'a', 0x91}
		data = append(data[:len(data)-1], extra...)
		data = append(data, 'z', 'z')

		got, err := DecodeReply(data)
		require.NoError(t, err)
		assert.Equal(t, FaultProtocol, got.Fault.Code)
		assert.Equal(t, "bad", got.Fault.Message)
	})
}

func TestDecodeDispatch(t *testing.T) {
	callData, err := NewCall("m").Encode()
	require.NoError(t, err)
	env, err := Decode(callData)
	require.NoError(t, err)
	assert.IsType(t, &Call{}, env)

	replyData, err := NewReply(true).Encode()
	require.NoError(t, err)
	env, err = Decode(replyData)
	require.NoError(t, err)
	assert.IsType(t, &Reply{}, env)

	_, err = Decode([]byte{'V', 'z'})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecodeAcceptsOtherVersions(t *testing.T) {
	data := []byte{'c', 0x01, 0x07, 'm', 0x00, 0x01, 'x', 'z'}
	got, err := DecodeCall(data)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Method)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		decode func([]byte) error
		target error
	}{
		{"empty call", nil, decodeCall, io.ErrUnexpectedEOF},
		{"truncated call", []byte{'c', 0x02, 0x00, 'm', 0x00, 0x04, 'a'}, decodeCall, io.ErrUnexpectedEOF},
		{"call without method", []byte{'c', 0x02, 0x00, 0x91, 'z'}, decodeCall, serialization.ErrProtocolFormat},
		{"call without end", []byte{'c', 0x02, 0x00, 'm', 0x00, 0x01, 'x', 0x91}, decodeCall, io.ErrUnexpectedEOF},
		{"reply as call", []byte{'r', 0x02, 0x00, 'N', 'z'}, decodeCall, serialization.ErrProtocolFormat},
		{"reply without end", []byte{'r', 0x02, 0x00, 'N'}, decodeReply, io.ErrUnexpectedEOF},
		{"reply with two values", []byte{'r', 0x02, 0x00, 'N', 'N', 'z'}, decodeReply, serialization.ErrProtocolFormat},
		{"fault key not a string", []byte{'r', 0x02, 0x00, 'f', 0x91, 'z', 'z'}, decodeReply, serialization.ErrProtocolFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.decode(tt.data), tt.target)
		})
	}
}

func decodeCall(data []byte) error {
	_, err := DecodeCall(data)
	return err
}

func decodeReply(data []byte) error {
	_, err := DecodeReply(data)
	return err
}

func TestReplyWriteToRollsBackFailedValue(t *testing.T) {
	e := serialization.NewEncoder(nil)
	defer e.Close()

	err := NewReply([]any{"ok", make(chan int)}).WriteTo(e)
	require.Error(t, err)
	assert.Empty(t, e.Buffered())
	assert.NoError(t, e.Err())
}

func TestWriterTo(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriterTo(NewCall("m", "arg")).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	got, err := DecodeCall(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []any{"arg"}, got.Args)
}

func BenchmarkCallEncode(b *testing.B) {
	c := &Call{Method: "store", Headers: []Header{{Name: "trace", Value: "abc"}}, Args: []any{"key", []byte("value"), 42}}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encode(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReplyDecode(b *testing.B) {
	data, err := NewReply(map[string]any{"a": 1, "b": []any{"x", "y"}}).Encode()
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeReply(data); err != nil {
			b.Fatal(err)
		}
	}
}
