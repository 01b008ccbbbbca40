package outofproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smnsjas/go-hessian/messages"
)

// startPair joins a client and a serving transport with pipes and runs
// Serve with h until the client side closes.
func startPair(t *testing.T, h Handler, opts ...ClientOption) *Client {
	t.Helper()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	server := NewTransport(serverR, serverW)
	client := NewClient(NewTransport(clientR, clientW), opts...)

	served := make(chan error, 1)
	go func() {
		err := Serve(context.Background(), server, h)
		server.Close()
		serverW.Close()
		served <- err
	}()

	t.Cleanup(func() {
		client.Close()
		clientW.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
		<-client.Done()
	})
	return client
}

func testMux() *Mux {
	mux := NewMux()
	mux.HandleFunc("echo", func(_ context.Context, call *messages.Call) *messages.Reply {
		return messages.NewReply(call.Args[0])
	})
	mux.HandleFunc("add", func(_ context.Context, call *messages.Call) *messages.Reply {
		var sum int32
		for _, arg := range call.Args {
			sum += arg.(int32)
		}
		return messages.NewReply(sum)
	})
	mux.HandleFunc("trace", func(_ context.Context, call *messages.Call) *messages.Reply {
		v, _ := call.Header(TraceHeader)
		return &messages.Reply{Headers: []messages.Header{{Name: TraceHeader, Value: v}}, Value: v}
	})
	return mux
}

func TestClientCall(t *testing.T) {
	client := startPair(t, testMux())

	got, err := client.Call(context.Background(), "add", 2, 3)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != int32(5) {
		t.Errorf("Call() = %#v, want int32(5)", got)
	}
}

func TestClientFault(t *testing.T) {
	client := startPair(t, testMux())

	_, err := client.Call(context.Background(), "missing")
	var fault *messages.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Call() error = %v, want *messages.Fault", err)
	}
	if fault.Code != messages.FaultNoSuchMethod {
		t.Errorf("fault code = %s, want %s", fault.Code, messages.FaultNoSuchMethod)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	client := startPair(t, testMux())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			want := fmt.Sprintf("value-%d", i)
			got, err := client.Call(context.Background(), "echo", want)
			if err != nil {
				t.Errorf("Call(%d) error = %v", i, err)
				return
			}
			if got != want {
				t.Errorf("Call(%d) = %v, want %s", i, got, want)
			}
		})
	}
	wg.Wait()
}

func TestClientConcurrentLargeCalls(t *testing.T) {
	client := startPair(t, testMux())

	const workers, calls = 32, 50
	payload := strings.Repeat("x", 2000)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := range workers {
			wg.Go(func() {
				for i := range calls {
					want := fmt.Sprintf("%d-%d-%s", w, i, payload)
					got, err := client.Call(context.Background(), "echo", want)
					if err != nil {
						t.Errorf("Call(%d, %d) error = %v", w, i, err)
						return
					}
					if got != want {
						t.Errorf("Call(%d, %d) returned another call's reply", w, i)
						return
					}
				}
			})
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent calls did not finish; client and server are stuck writing")
	}
}

func TestClientSendFailureKeepsOrder(t *testing.T) {
	client := startPair(t, testMux())

	if _, err := client.Call(context.Background(), "echo", make(chan int)); err == nil {
		t.Fatal("Call() with an unencodable argument succeeded")
	}
	got, err := client.Call(context.Background(), "echo", "after")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != "after" {
		t.Errorf("Call() = %v, want the reply to its own call", got)
	}
}

func TestClientTrace(t *testing.T) {
	client := startPair(t, testMux(), WithTrace())

	reply, err := client.Invoke(context.Background(), messages.NewCall("trace"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	id, ok := reply.Value.(string)
	if !ok || len(id) != 36 {
		t.Errorf("trace value = %#v, want a UUID string", reply.Value)
	}

	call := &messages.Call{Method: "trace", Headers: []messages.Header{{Name: TraceHeader, Value: "mine"}}}
	reply, err = client.Invoke(context.Background(), call)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if reply.Value != "mine" {
		t.Errorf("trace value = %#v, want the caller's header", reply.Value)
	}
	if len(call.Headers) != 1 {
		t.Errorf("caller's call was modified: %v", call.Headers)
	}
}

func TestClientAbandonedCall(t *testing.T) {
	release := make(chan struct{})
	mux := testMux()
	mux.HandleFunc("block", func(_ context.Context, _ *messages.Call) *messages.Reply {
		<-release
		return messages.NewReply("late")
	})
	client := startPair(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Call(ctx, "block"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want context.DeadlineExceeded", err)
	}
	close(release)

	got, err := client.Call(context.Background(), "echo", "next")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != "next" {
		t.Errorf("Call() = %v, want the reply to its own call", got)
	}
}

func TestClientServerGone(t *testing.T) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	defer clientW.Close()

	go func() {
		server := NewTransport(serverR, io.Discard)
		_, _ = server.ReceiveCall()
		serverW.Close()
	}()

	client := NewClient(NewTransport(clientR, clientW))
	defer client.Close()

	_, err := client.Call(context.Background(), "ping")
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Call() error = %v, want io.EOF", err)
	}
	<-client.Done()
	if !errors.Is(client.Err(), io.EOF) {
		t.Errorf("Err() = %v, want io.EOF", client.Err())
	}

	if _, err := client.Call(context.Background(), "ping"); !errors.Is(err, io.EOF) {
		t.Errorf("Call() after reader exit = %v, want io.EOF", err)
	}
}

func TestClientClose(t *testing.T) {
	client := startPair(t, testMux())

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := client.Call(context.Background(), "echo", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close = %v, want ErrClosed", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
