// Package hessian provides a pure Go implementation of the Hessian 2 binary
// serialization protocol.
//
// Hessian is a compact, self-describing format: primitives, strings, byte
// blobs, dates, lists, maps and structured objects, including shared and
// cyclic object graphs, are written to a byte stream and read back into
// equivalent values. The library handles encoding only, with no transport
// code; callers bring their own io.Reader and io.Writer.
//
// # Architecture
//
// The library is organized into layers:
//
//   - Marshal/Unmarshal: one value in, one value out
//   - serialization: session-based Encoder and Decoder, type registry, codecs
//   - messages: call and reply envelopes with headers and faults
//   - objects: well-known complex values (remote references, throwables, calendars)
//   - chunk: string and byte blob chunking
//   - refs, classdesc: back-reference and class definition tables
//   - grammar: tag bytes and numeric boundaries
//
// # Basic Usage
//
//	type Point struct {
//	    X, Y int32
//	}
//
//	reg := serialization.NewRegistry()
//	if err := serialization.Register[Point](reg, "com.example.Point"); err != nil {
//	    return err
//	}
//
//	data, err := hessian.Marshal(&Point{X: 1, Y: 2}, serialization.WithRegistry(reg))
//	if err != nil {
//	    return err
//	}
//
//	var p Point
//	err = hessian.Unmarshal(data, &p, serialization.WithRegistry(reg))
//
// # Sessions
//
// Back-references and class definitions are scoped to one Encoder or
// Decoder. Marshal and Unmarshal use a fresh session per call; streams of
// several values that share references need serialization.NewEncoder and
// serialization.NewDecoder directly.
package hessian

// Version is the library version.
const Version = "0.1.0-dev"
