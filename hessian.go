package hessian

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/smnsjas/go-hessian/serialization"
)

// ErrTrailingData is returned by Unmarshal when data holds more than one
// value.
var ErrTrailingData = errors.New("hessian: trailing data after value")

// Marshal returns the encoding of v.
func Marshal(v any, opts ...serialization.Option) ([]byte, error) {
	var buf bytes.Buffer
	e := serialization.NewEncoder(&buf, opts...)
	defer e.Close()
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes the single value in data into the value v points to.
func Unmarshal(data []byte, v any, opts ...serialization.Option) error {
	d := serialization.NewDecoder(bytes.NewReader(data), opts...)
	defer d.Close()
	if err := d.DecodeInto(v); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return checkTrailing(d, len(data))
}

// Decode returns the single value in data in its generic form.
func Decode(data []byte, opts ...serialization.Option) (any, error) {
	d := serialization.NewDecoder(bytes.NewReader(data), opts...)
	defer d.Close()
	v, err := d.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return v, checkTrailing(d, len(data))
}

func checkTrailing(d *serialization.Decoder, n int) error {
	if off := d.Offset(); off < int64(n) {
		return fmt.Errorf("%w: %d bytes at offset %d", ErrTrailingData, int64(n)-off, off)
	}
	return nil
}
