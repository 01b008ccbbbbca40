package serialization

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int32
	Y int32
}

type node struct {
	Name     string
	Children []any
	Parent   *node
}

type base struct {
	ID   int32
	Name string
}

type derived struct {
	base
	Tags   []string
	Name   string
	Count  int64  `hessian:"count"`
	Secret string `hessian:"-"`
	hidden int
}

type account struct {
	ID     int32
	Owner  string
	Active bool
}

func newAccount() *account {
	return &account{Active: true}
}

func newAccountFor(owner string) (*account, error) {
	return &account{Owner: owner}, nil
}

type strictPoint struct {
	X int32
}

func (*strictPoint) HessianStrict() bool { return true }

// handle is written through its proxy and read back through the proxy's
// resolver.
type handle struct {
	ID int32
}

func (h *handle) HessianReplace() (any, error) {
	return &handleProxy{Key: h.ID}, nil
}

type handleProxy struct {
	Key int32
}

func (p *handleProxy) HessianResolve() (any, error) {
	return &handle{ID: p.Key}, nil
}

func testRegistry(t testing.TB) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, Register[point](reg, "com.example.Point"))
	require.NoError(t, Register[node](reg, "com.example.Node"))
	require.NoError(t, Register[strictPoint](reg, "com.example.StrictPoint"))
	require.NoError(t, Register[handleProxy](reg, "com.example.Handle"))
	require.NoError(t, Register[account](reg, "com.example.Account", WithConstructor(newAccountFor, newAccount)))
	return reg
}

func TestShapeOf(t *testing.T) {
	s := shapeOf(reflect.TypeFor[derived]())
	assert.Equal(t, []string{"ID", "Name", "count", "Tags"}, s.names)

	name := s.fields[s.byName["Name"]]
	assert.Equal(t, []int{2}, name.index, "outer Name shadows the embedded one")

	id := s.fields[s.byName["ID"]]
	assert.Equal(t, []int{0, 0}, id.index)
	assert.True(t, id.primitive)
	assert.False(t, s.fields[s.byName["Tags"]].primitive)

	assert.Same(t, s, shapeOf(reflect.TypeFor[derived]()))
}

func TestShapeDropsAmbiguousFields(t *testing.T) {
	type left struct{ V int32 }
	type right struct{ V int32 }
	type both struct {
		left
		right
		W string
	}
	s := shapeOf(reflect.TypeFor[both]())
	assert.Equal(t, []string{"W"}, s.names)
}

func TestStructRoundTrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register[derived](reg, "com.example.Derived"))

	in := &derived{base: base{ID: 7}, Tags: []string{"a", "b"}, Name: "outer", Count: 1 << 40, Secret: "x"}
	data := encodeBytes(t, []Option{WithRegistry(reg)}, in)
	got := decodeOne(t, data, WithRegistry(reg))

	want := &derived{base: base{ID: 7}, Tags: []string{"a", "b"}, Name: "outer", Count: 1 << 40}
	assert.Equal(t, want, got)
}

func TestCycleThroughList(t *testing.T) {
	reg := testRegistry(t)
	root := &node{Name: "root"}
	child := &node{Name: "child", Parent: root}
	root.Children = []any{root, child}

	data := encodeBytes(t, []Option{WithRegistry(reg)}, root)
	got, ok := decodeOne(t, data, WithRegistry(reg)).(*node)
	require.True(t, ok)

	require.Len(t, got.Children, 2)
	assert.Same(t, got, got.Children[0])
	gotChild, ok := got.Children[1].(*node)
	require.True(t, ok)
	assert.Equal(t, "child", gotChild.Name)
	assert.Same(t, got, gotChild.Parent)
}

func TestSelfContainingCollections(t *testing.T) {
	t.Run("map", func(t *testing.T) {
		m := map[string]any{}
		m["self"] = m
		got := decodeOne(t, encodeBytes(t, nil, m)).(map[any]any)
		self := got["self"].(map[any]any)
		assert.Equal(t, reflect.ValueOf(got).UnsafePointer(), reflect.ValueOf(self).UnsafePointer())
	})

	t.Run("list", func(t *testing.T) {
		s := make([]any, 2)
		s[0] = s
		s[1] = "tail"
		got := decodeOne(t, encodeBytes(t, nil, s)).([]any)
		inner := got[0].([]any)
		assert.Same(t, &got[0], &inner[0])
		assert.Equal(t, "tail", inner[1])
	})
}

func TestForwardCompatibility(t *testing.T) {
	reg := testRegistry(t)

	extra := NewOrderedMap("com.example.Point")
	extra.Set("X", 1)
	extra.Set("Z", "added later")
	extra.Set("Y", 2)
	data := encodeBytes(t, nil, extra)
	assert.Equal(t, &point{X: 1, Y: 2}, decodeOne(t, data, WithRegistry(reg)))

	missing := NewOrderedMap("com.example.Point")
	missing.Set("Y", 5)
	data = encodeBytes(t, nil, missing)
	assert.Equal(t, &point{Y: 5}, decodeOne(t, data, WithRegistry(reg)))
}

func TestFieldAssignmentFailures(t *testing.T) {
	reg := testRegistry(t)
	wrong := NewOrderedMap("com.example.Point")
	wrong.Set("X", "not a number")
	wrong.Set("Y", 2)
	data := encodeBytes(t, nil, wrong)

	t.Run("skipped by default", func(t *testing.T) {
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
		got := decodeOne(t, data, WithRegistry(reg), WithLogger(logger))
		assert.Equal(t, &point{Y: 2}, got)
		assert.Contains(t, logs.String(), "skipping field")
	})

	t.Run("strict decoder", func(t *testing.T) {
		d := NewDecoder(bytes.NewReader(data), WithRegistry(reg), WithStrictFields())
		defer d.Close()
		_, err := d.Decode()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFieldAssignment)

		var fe *FieldAssignmentError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "X", fe.Field)
		assert.Equal(t, reflect.TypeFor[int32](), fe.Target)
	})

	t.Run("strict type", func(t *testing.T) {
		sp := NewOrderedMap("com.example.StrictPoint")
		sp.Set("X", "nope")
		d := NewDecoder(bytes.NewReader(encodeBytes(t, nil, sp)), WithRegistry(reg))
		defer d.Close()
		_, err := d.Decode()
		assert.ErrorIs(t, err, ErrFieldAssignment)
	})

	t.Run("overflow", func(t *testing.T) {
		big := NewOrderedMap("com.example.Point")
		big.Set("X", int64(1)<<40)
		d := NewDecoder(bytes.NewReader(encodeBytes(t, nil, big)), WithRegistry(reg), WithStrictFields())
		defer d.Close()
		_, err := d.Decode()
		assert.ErrorIs(t, err, ErrFieldAssignment)
	})
}

func TestConstructors(t *testing.T) {
	reg := testRegistry(t)
	om := NewOrderedMap("com.example.Account")
	om.Set("ID", 9)
	got := decodeOne(t, encodeBytes(t, nil, om), WithRegistry(reg))
	assert.Equal(t, &account{ID: 9, Active: true}, got, "the parameterless constructor wins")

	t.Run("failing constructor", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, Register[account](reg, "com.example.Account", WithConstructor(func() (*account, error) {
			return nil, errors.New("out of accounts")
		})))
		d := NewDecoder(bytes.NewReader(encodeBytes(t, nil, om)), WithRegistry(reg))
		defer d.Close()
		_, err := d.Decode()
		assert.ErrorIs(t, err, ErrTypeResolution)
		assert.ErrorContains(t, err, "out of accounts")
	})

	t.Run("invalid constructors", func(t *testing.T) {
		for _, fn := range []any{
			42,
			func() int { return 0 },
			func() (*account, int) { return nil, 0 },
			func(...string) *account { return nil },
		} {
			err := Register[account](NewRegistry(), "com.example.Account", WithConstructor(fn))
			assert.Error(t, err, "%T", fn)
		}
	})
}

func TestConstructorCost(t *testing.T) {
	at := reflect.TypeFor[account]()
	ordered := []any{
		func() account { return account{} },
		func(any) *account { return nil },
		func(string) *account { return nil },
		func(int32) *account { return nil },
		func(int64) *account { return nil },
		func(bool) *account { return nil },
		func([]byte) *account { return nil },
		func(any, any) *account { return nil },
	}

	prev := -1
	for i, fn := range ordered {
		cost, err := constructorCost(at, fn)
		require.NoError(t, err)
		assert.Greater(t, cost, prev, "constructor %d", i)
		prev = cost
	}
}

func TestReplaceAndResolve(t *testing.T) {
	reg := testRegistry(t)
	h := &handle{ID: 3}
	data := encodeBytes(t, []Option{WithRegistry(reg)}, []any{h, h})

	// The second occurrence is a back-reference to the proxy object.
	assert.Equal(t, []byte{0x5b, 0x01, 'z'}, data[len(data)-3:])

	list := decodeOne(t, data, WithRegistry(reg)).([]any)
	require.Len(t, list, 2)
	got, ok := list[0].(*handle)
	require.True(t, ok)
	assert.Equal(t, int32(3), got.ID)
	assert.Same(t, list[0], list[1])
}

type redacted struct {
	Value string
}

func (redacted) HessianReplace() (any, error) {
	return "redacted", nil
}

func TestReplaceWithScalar(t *testing.T) {
	data := encodeBytes(t, nil, []any{redacted{Value: "secret"}})
	assert.Equal(t, []any{"redacted"}, decodeOne(t, data))
}

func TestDecodeStructFromTypedMap(t *testing.T) {
	reg := testRegistry(t)
	data := []byte{'M', 't', 0x00, 0x11}
	data = append(data, "com.example.Point"...)
	data = append(data, 0xd1, 'X', 0x94, 0xd1, 'Y', 0x95, 'z')
	assert.Equal(t, &point{X: 4, Y: 5}, decodeOne(t, data, WithRegistry(reg)))
}

func TestUnregisteredStructUsesGoName(t *testing.T) {
	data := encodeBytes(t, nil, point{X: 1})
	om, ok := decodeOne(t, data).(*OrderedMap)
	require.True(t, ok)
	assert.Equal(t, "github.com/smnsjas/go-hessian/serialization.point", om.Type)
	assert.Equal(t, []string{"X", "Y"}, om.Keys())

	// The generic result can be written back unchanged.
	assert.Equal(t, data, encodeBytes(t, nil, om))
}
