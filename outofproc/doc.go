// Package outofproc carries Hessian call and reply envelopes over a pair of
// byte streams.
//
// This transport is used by:
//   - a parent process talking to a child over its stdin/stdout
//   - a listener handing each accepted net.Conn to Serve
//   - in-process tests joined with io.Pipe
//
// # Protocol Overview
//
// Envelopes are self-delimiting, so no extra framing is added. Each
// direction of a Transport is one serialization session: a value sent in
// one call may be referenced by a later call on the same stream.
//
//	'c' 0x02 0x00 ('H' name value)* 'm' method arg* 'z'   - Call
//	'r' 0x02 0x00 ('H' name value)* (value | fault) 'z'   - Reply
//
// Replies are returned in the order the calls were sent.
//
// # Usage
//
// Example with a child process:
//
//	cmd := exec.Command("hessian-selftest", "--serve")
//	stdin, _ := cmd.StdinPipe()
//	stdout, _ := cmd.StdoutPipe()
//	cmd.Start()
//
//	client := outofproc.NewClient(outofproc.NewTransport(stdout, stdin))
//	defer client.Close()
//
//	reply, err := client.Invoke(ctx, messages.NewCall("add", 2, 3))
//
// And on the other end:
//
//	mux := outofproc.NewMux()
//	mux.HandleFunc("add", add)
//	err := outofproc.Serve(ctx, outofproc.NewTransport(os.Stdin, os.Stdout), mux)
package outofproc
