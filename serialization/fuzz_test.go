package serialization

import (
	"bytes"
	"errors"
	"io"
	"math"
	"reflect"
	"testing"
	"unicode/utf8"
)

// FuzzDecode feeds random input to the decoder.
// It must report errors without panicking or looping.
func FuzzDecode(f *testing.F) {
	reg := testRegistry(f)

	root := &node{Name: "root"}
	root.Children = []any{root, &point{X: 1, Y: 2}, map[string]any{"k": []byte{1, 2}}}
	var buf bytes.Buffer
	e := NewEncoder(&buf, WithRegistry(reg))
	if err := e.Encode(root); err != nil {
		f.Fatal(err)
	}
	e.Close()
	f.Add(buf.Bytes())

	f.Add([]byte{})
	f.Add([]byte{'V', 0x5b, 0x00, 'z'})
	f.Add([]byte{'O', 0x00, 0x01, 'T', 0x91, 0xd1, 'X', 0x90, 'o', 0x00, 0x91})
	f.Add([]byte{'s', 0x00, 0x01, 'a', 0xd1, 'b'})
	f.Add([]byte{'V', 'l', 0xff, 0xff, 0xff, 0xff, 'z'})
	f.Add([]byte{'M', 'V', 0x10, 'z', 0x91, 'z'})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder(bytes.NewReader(data), WithRegistry(reg), WithMaxChunkedLength(1<<16))
		defer d.Close()
		for range 16 {
			if _, err := d.Decode(); err != nil {
				return
			}
		}
	})
}

// FuzzRoundTrip checks that scalars, blobs and collections built from
// fuzzed values decode to what was written.
func FuzzRoundTrip(f *testing.F) {
	f.Add("", int64(0), 0.0, []byte{}, false)
	f.Add("hello", int64(-1), 1.5, []byte("raw"), true)
	f.Add("𝄞 clef", int64(math.MaxInt64), math.Inf(-1), bytes.Repeat([]byte{7}, 40000), true)
	f.Add(string(bytes.Repeat([]byte("é"), 0x8001)), int64(math.MinInt32), 0.00390625, []byte{0}, false)

	f.Fuzz(func(t *testing.T, s string, i int64, fl float64, b []byte, flag bool) {
		if !utf8.ValidString(s) || math.IsNaN(fl) {
			t.Skip()
		}
		if b == nil {
			b = []byte{}
		}

		in := []any{s, i, fl, b, flag, map[string]any{s: i}}
		var buf bytes.Buffer
		e := NewEncoder(&buf)
		defer e.Close()
		if err := e.Encode(in); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		d := NewDecoder(&buf)
		defer d.Close()
		v, err := d.Decode()
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if _, err := d.Decode(); !errors.Is(err, io.EOF) {
			t.Fatalf("trailing data: %v", err)
		}

		got, ok := v.([]any)
		if !ok || len(got) != len(in) {
			t.Fatalf("decoded %T %v", v, v)
		}
		if got[0] != s {
			t.Errorf("string mismatch: got %q, want %q", got[0], s)
		}
		if got[1] != i {
			t.Errorf("long mismatch: got %v, want %v", got[1], i)
		}
		if got[2] != fl {
			t.Errorf("double mismatch: got %v, want %v", got[2], fl)
		}
		if gb, _ := got[3].([]byte); !bytes.Equal(gb, b) {
			t.Errorf("bytes mismatch: got %d bytes, want %d", len(gb), len(b))
		}
		if got[4] != flag {
			t.Errorf("bool mismatch: got %v, want %v", got[4], flag)
		}
		if want := map[any]any{s: i}; !reflect.DeepEqual(got[5], want) {
			t.Errorf("map mismatch: got %v, want %v", got[5], want)
		}
	})
}
