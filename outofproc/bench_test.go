package outofproc

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/smnsjas/go-hessian/messages"
)

func BenchmarkReceiveCall(b *testing.B) {
	var buf bytes.Buffer
	sender := NewTransport(strings.NewReader(""), &buf)
	if err := sender.Send(messages.NewCall("store", "key", make([]byte, 1024))); err != nil {
		b.Fatalf("Send failed: %v", err)
	}
	sender.Close()
	data := buf.Bytes()

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		transport := NewTransport(bytes.NewReader(data), io.Discard)
		if _, err := transport.ReceiveCall(); err != nil {
			b.Fatalf("ReceiveCall failed: %v", err)
		}
		transport.Close()
	}
}

func BenchmarkSend(b *testing.B) {
	// Discard output to keep I/O out of the measurement
	transport := NewTransport(strings.NewReader(""), io.Discard)
	defer transport.Close()
	call := messages.NewCall("store", "key", make([]byte, 1024))

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := transport.Send(call); err != nil {
			b.Fatalf("Send failed: %v", err)
		}
	}
}
