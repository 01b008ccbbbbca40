// hessian-selftest validates the Hessian implementation by exchanging call
// and reply envelopes with a copy of itself running as a child process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/smnsjas/go-hessian"
	"github.com/smnsjas/go-hessian/messages"
	"github.com/smnsjas/go-hessian/objects"
	"github.com/smnsjas/go-hessian/outofproc"
	"github.com/smnsjas/go-hessian/serialization"
)

// TestCase defines a single call and its expected reply.
type TestCase struct {
	Name        string
	Call        *messages.Call
	Want        any
	ExpectFault string
	Description string
}

// Point is registered on both sides of the exchange.
type Point struct {
	X int32
	Y int32
}

func newRegistry() (*serialization.Registry, error) {
	reg := serialization.NewRegistry()
	if err := serialization.Register[Point](reg, "com.example.Point"); err != nil {
		return nil, err
	}
	return reg, nil
}

// ProcessPipes holds the stdin/stdout of a child process.
type ProcessPipes struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *ProcessPipes) Close() error {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	return p.cmd.Wait()
}

func startProcess(ctx context.Context, command string, args ...string) (*ProcessPipes, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &ProcessPipes{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

// serve answers calls read from r until the shutdown call or the end of
// the input. Both directions are single sessions, so references may span
// envelopes.
func serve(r io.Reader, w io.Writer, reg *serialization.Registry, logger *slog.Logger) error {
	transport := outofproc.NewTransport(r, w,
		serialization.WithRegistry(reg), serialization.WithLogger(logger))
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := outofproc.Serve(ctx, transport, echoTrace(newMux(cancel)))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newMux(shutdown context.CancelFunc) *outofproc.Mux {
	mux := outofproc.NewMux()
	mux.HandleFunc("echo", func(_ context.Context, call *messages.Call) *messages.Reply {
		if len(call.Args) != 1 {
			return messages.NewFaultReply(messages.FaultIllegalMessage, "echo takes one argument", nil)
		}
		return messages.NewReply(call.Args[0])
	})
	mux.HandleFunc("add", func(_ context.Context, call *messages.Call) *messages.Reply {
		var sum int64
		for i, arg := range call.Args {
			switch n := arg.(type) {
			case int32:
				sum += int64(n)
			case int64:
				sum += n
			default:
				return messages.NewFaultReply(messages.FaultIllegalMessage,
					fmt.Sprintf("argument %d is %T", i, arg), nil)
			}
		}
		return messages.NewReply(sum)
	})
	mux.HandleFunc("reverse", func(_ context.Context, call *messages.Call) *messages.Reply {
		out := make([]any, len(call.Args))
		for i, arg := range call.Args {
			out[len(out)-1-i] = arg
		}
		return messages.NewReply(out)
	})
	mux.HandleFunc("fail", func(context.Context, *messages.Call) *messages.Reply {
		detail := &objects.Throwable{Type: "java.lang.IllegalStateException", DetailMessage: "fail called"}
		return messages.NewFaultReply(messages.FaultService, "requested failure", detail)
	})
	mux.HandleFunc("shutdown", func(context.Context, *messages.Call) *messages.Reply {
		shutdown()
		return messages.NewReply(true)
	})
	return mux
}

// echoTrace copies the caller's trace header onto every reply.
func echoTrace(h outofproc.Handler) outofproc.Handler {
	return outofproc.HandlerFunc(func(ctx context.Context, call *messages.Call) *messages.Reply {
		reply := h.ServeCall(ctx, call)
		if trace, ok := call.Header(outofproc.TraceHeader); ok {
			reply.Headers = append(reply.Headers, messages.Header{Name: outofproc.TraceHeader, Value: trace})
		}
		return reply
	})
}

func runTest(ctx context.Context, client *outofproc.Client, tc TestCase, timeout time.Duration) bool {
	fmt.Printf("\n────────────────────────────────────────────────────────────\n")
	fmt.Printf("TEST: %s\n", tc.Name)
	fmt.Printf("DESC: %s\n", tc.Description)
	fmt.Printf("CALL: %s %v\n", tc.Call.Method, tc.Call.Args)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := client.Invoke(ctx, tc.Call)
	if err != nil {
		fmt.Printf("❌ FAILED: Invoke error: %v\n", err)
		return false
	}

	if tc.ExpectFault != "" {
		if reply.Fault != nil && reply.Fault.Code == tc.ExpectFault {
			fmt.Printf("✅ PASSED: Expected fault received\n")
			fmt.Printf("   Fault: %v\n", reply.Fault)
			return true
		}
		fmt.Printf("❌ FAILED: Expected fault %s, got %+v\n", tc.ExpectFault, reply)
		return false
	}

	got, err := reply.Result()
	if err != nil {
		fmt.Printf("❌ FAILED: Unexpected fault: %v\n", err)
		return false
	}
	if !reflect.DeepEqual(got, tc.Want) {
		fmt.Printf("❌ FAILED: got %#v, want %#v\n", got, tc.Want)
		return false
	}
	if trace, ok := tc.Call.Header(outofproc.TraceHeader); ok {
		if echoed, _ := reply.Header(outofproc.TraceHeader); echoed != trace {
			fmt.Printf("❌ FAILED: trace header %v not echoed (got %v)\n", trace, echoed)
			return false
		}
	}
	fmt.Printf("✅ PASSED: %s\n", truncate(fmt.Sprintf("%v", got), 200))
	return true
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// localTests round-trips values without a child process.
func localTests(reg *serialization.Registry) (passed, failed int) {
	type ring struct {
		Name string
		Next *ring
	}
	r := &ring{Name: "a"}
	r.Next = &ring{Name: "b", Next: r}

	values := []any{
		int32(-17),
		int64(1) << 40,
		3.25,
		strings.Repeat("long string ", 4000),
		[]byte{0, 1, 2},
		time.UnixMilli(1700000000000).UTC(),
		[]any{"mixed", int32(1), nil, true},
		&Point{X: 3, Y: 4},
		r,
	}
	for i, v := range values {
		data, err := hessian.Marshal(v, serialization.WithRegistry(reg))
		if err != nil {
			fmt.Printf("❌ local value %d (%T): marshal: %v\n", i, v, err)
			failed++
			continue
		}
		out := reflect.New(reflect.TypeOf(v))
		if err := hessian.Unmarshal(data, out.Interface(), serialization.WithRegistry(reg)); err != nil {
			fmt.Printf("❌ local value %d (%T): unmarshal: %v\n", i, v, err)
			failed++
			continue
		}
		if rr, ok := out.Elem().Interface().(*ring); ok {
			if rr.Next == nil || rr.Next.Next != rr {
				fmt.Printf("❌ local value %d: cycle not preserved\n", i)
				failed++
				continue
			}
		} else if !reflect.DeepEqual(out.Elem().Interface(), v) {
			fmt.Printf("❌ local value %d (%T): got %v\n", i, v, out.Elem().Interface())
			failed++
			continue
		}
		fmt.Printf("✅ local value %d (%T): %d bytes\n", i, v, len(data))
		passed++
	}
	return passed, failed
}

func main() {
	os.Exit(run())
}

func run() int {
	serveMode := flag.Bool("serve", false, "answer calls on stdin/stdout instead of running tests")
	jsonLogs := flag.Bool("json", false, "log in JSON")
	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call timeout")
	skipChild := flag.Bool("local", false, "run only the in-process round trips")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)

	reg, err := newRegistry()
	if err != nil {
		logger.Error("registry", slog.Any("error", err))
		return 1
	}

	if *serveMode {
		if err := serve(os.Stdin, os.Stdout, reg, logger.With(slog.String("role", "server"))); err != nil {
			logger.Error("serve failed", slog.Any("error", err))
			return 1
		}
		return 0
	}

	// Trap Ctrl+C for clean shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	runID := uuid.New()
	logger = logger.With(slog.String("run", runID.String()))
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          Hessian Self Test                                   ║")
	fmt.Printf("║          hessian %-44s║\n", hessian.Version)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")

	passed, failed := localTests(reg)
	if *skipChild {
		return summary(logger, passed, failed)
	}

	self, err := os.Executable()
	if err != nil {
		logger.Error("locate executable", slog.Any("error", err))
		return 1
	}
	args := []string{"--serve"}
	if *verbose {
		args = append(args, "--verbose")
	}
	if *jsonLogs {
		args = append(args, "--json")
	}
	logger.Info("starting server process", slog.String("path", self))
	pipes, err := startProcess(ctx, self, args...)
	if err != nil {
		logger.Error("start server", slog.Any("error", err))
		return 1
	}
	defer pipes.Close()

	client := outofproc.NewClient(outofproc.NewTransport(pipes.stdout, pipes.stdin,
		serialization.WithRegistry(reg), serialization.WithLogger(logger)))
	defer client.Close()

	shared := []any{"shared"}
	tests := []TestCase{
		{
			Name:        "Echo String",
			Call:        messages.NewCall("echo", "hello, 世界"),
			Want:        "hello, 世界",
			Description: "Round trip a string through the server",
		},
		{
			Name:        "Echo Object",
			Call:        messages.NewCall("echo", &Point{X: 1, Y: 2}),
			Want:        &Point{X: 1, Y: 2},
			Description: "Registered struct decoded on both sides",
		},
		{
			Name:        "Add",
			Call:        messages.NewCall("add", 2, 3, int64(1)<<40),
			Want:        int64(1)<<40 + 5,
			Description: "Mixed int and long arguments",
		},
		{
			Name: "Trace Header",
			Call: &messages.Call{
				Method:  "reverse",
				Headers: []messages.Header{{Name: outofproc.TraceHeader, Value: runID.String()}},
				Args:    []any{"a", "b", "c"},
			},
			Want:        []any{"c", "b", "a"},
			Description: "Headers are echoed back",
		},
		{
			Name:        "Shared Argument",
			Call:        messages.NewCall("reverse", shared, shared),
			Want:        []any{[]any{"shared"}, []any{"shared"}},
			Description: "A value passed twice is sent once and referenced",
		},
		{
			Name:        "Fault With Detail",
			Call:        messages.NewCall("fail"),
			ExpectFault: messages.FaultService,
			Description: "Server reports a throwable",
		},
		{
			Name:        "Unknown Method",
			Call:        messages.NewCall("nope"),
			ExpectFault: messages.FaultNoSuchMethod,
			Description: "Calls to unknown methods fault",
		},
		{
			Name:        "Shutdown",
			Call:        messages.NewCall("shutdown"),
			Want:        true,
			Description: "Server exits after replying",
		},
	}

	for _, tc := range tests {
		if ctx.Err() != nil {
			break
		}
		if runTest(ctx, client, tc, *timeout) {
			passed++
		} else {
			failed++
		}
	}
	return summary(logger, passed, failed)
}

func summary(logger *slog.Logger, passed, failed int) int {
	fmt.Printf("\n════════════════════════════════════════════════════════════\n")
	fmt.Printf("RESULTS: %d passed, %d failed\n", passed, failed)
	logger.Info("self test finished", slog.Int("passed", passed), slog.Int("failed", failed))
	if failed > 0 {
		return 1
	}
	return 0
}
