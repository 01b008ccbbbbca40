package serialization

import (
	"bytes"
	"strings"
	"testing"
)

func benchGraph() *node {
	root := &node{Name: "root"}
	for i := range 32 {
		child := &node{Name: "child", Parent: root}
		child.Children = []any{int32(i), strings.Repeat("x", i), &point{X: int32(i), Y: -int32(i)}}
		root.Children = append(root.Children, child)
	}
	return root
}

func BenchmarkEncodeGraph(b *testing.B) {
	reg := testRegistry(b)
	root := benchGraph()
	var buf bytes.Buffer
	e := NewEncoder(&buf, WithRegistry(reg))
	defer e.Close()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		e.Reset(&buf)
		if err := e.Encode(root); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeGraph(b *testing.B) {
	reg := testRegistry(b)
	var buf bytes.Buffer
	e := NewEncoder(&buf, WithRegistry(reg))
	if err := e.Encode(benchGraph()); err != nil {
		b.Fatal(err)
	}
	e.Close()
	data := buf.Bytes()

	r := bytes.NewReader(data)
	d := NewDecoder(r, WithRegistry(reg))
	defer d.Close()

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		r.Reset(data)
		d.Reset(r)
		if _, err := d.Decode(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeString(b *testing.B) {
	s := strings.Repeat("héllo wörld ", 4096)
	e := NewEncoder(nil)
	defer e.Close()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		e.Reset(nil)
		e.WriteString(s)
	}
}

func BenchmarkEncodeInts(b *testing.B) {
	values := make([]int32, 1024)
	for i := range values {
		values[i] = int32(i * 997)
	}
	e := NewEncoder(nil)
	defer e.Close()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		e.Reset(nil)
		if err := e.Encode(values); err != nil {
			b.Fatal(err)
		}
	}
}
