package bridge

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	tr, vm, base := vmTracker(t)
	h, err := Encode(tr, v)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Outstanding(), "only the root survives encoding")

	out, err := Decode(vm, h)
	require.NoError(t, err)
	require.NoError(t, tr.Release(h))
	assert.Equal(t, base, vm.LiveHandles())
	return out
}

func TestCodec_RoundTripNested(t *testing.T) {
	in := Map(map[string]Value{
		"users": List(
			Map(map[string]Value{
				"name":    String("Huey"),
				"age":     Int8(3),
				"score":   Float(2),
				"tags":    List(String("a"), String("b")),
				"address": Map(map[string]Value{"zip": String("0451"), "geo": List(Float(1.5), Float(-2.25))}),
			}),
			Map(map[string]Value{"name": String("Dewey"), "age": Uint16(4), "active": Bool(true), "manager": Null()}),
		),
		"empty": List(),
	})

	out := roundTrip(t, in)
	assert.True(t, in.Equal(out), "got %s", out)

	user, _ := out.Get("users")
	first, _ := user.Index(0)
	score, _ := first.Get("score")
	assert.Equal(t, KindFloat, score.Kind(), "whole floats stay floats")
	age, _ := first.Get("age")
	assert.Equal(t, 64, age.Bits(), "the engine widens integers")
}

func TestCodec_IntegerLimits(t *testing.T) {
	for _, n := range []int64{math.MinInt64, math.MaxInt64, 0, -1} {
		out := roundTrip(t, Int(n))
		got, ok := out.AsInt()
		require.True(t, ok)
		assert.Equal(t, n, got)
	}

	out := roundTrip(t, Uint(math.MaxInt64))
	assert.True(t, out.Equal(Int(math.MaxInt64)))

	tr, vm, base := vmTracker(t)
	_, err := Encode(tr, List(Int(1), Uint(math.MaxUint64)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRange))
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "[1]", be.Path)
	assert.Equal(t, 0, tr.Outstanding())
	assert.Equal(t, base, vm.LiveHandles())
}

func TestCodec_Classification(t *testing.T) {
	numeric := Map(map[string]Value{"0": Int(1), "1": Int(2)})
	out := roundTrip(t, numeric)
	assert.Equal(t, KindMap, out.Kind(), "string keys make a map even when they look like positions")
	assert.True(t, numeric.Equal(out))

	seq := List(Int(1), Int(2), Int(3))
	out = roundTrip(t, seq)
	assert.Equal(t, KindList, out.Kind())
	assert.True(t, seq.Equal(out))

	for _, empty := range []Value{
		Map(nil),
		List(),
		Map(map[string]Value{"a": Map(nil), "b": List()}),
		List(Map(nil), List()),
	} {
		out = roundTrip(t, empty)
		assert.Equal(t, empty.Kind(), out.Kind())
		assert.True(t, empty.Equal(out), "got %s for %s", out, empty)
	}
}

func TestCodec_ScriptBuiltContainers(t *testing.T) {
	s := compileT(t, openDB(t), `
		$list = [1, "two", 3.5];
		$obj = {"a": 1, "b": [true, null]};
		$empties = {"o": {}, "l": []};
	`)
	require.NoError(t, s.Execute(t.Context()))

	list, err := s.Value("list")
	require.NoError(t, err)
	assert.True(t, List(Int(1), String("two"), Float(3.5)).Equal(list))

	obj, err := s.Value("obj")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1), "b": []any{true, nil}}, obj.Native())

	empties, err := s.Value("empties")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"o": map[string]any{}, "l": []any{}}, empties.Native())
}

type address struct {
	Street string `json:"street"`
	Zip    string `jx9:"zip" json:"postal"`
}

type base struct {
	ID int64 `json:"id"`
}

type person struct {
	base
	Name    string          `json:"name"`
	Age     uint8           `json:"age"`
	Score   float64         `json:"score"`
	Active  bool            `json:"active"`
	Balance decimal.Decimal `json:"balance"`
	Tags    []string        `json:"tags"`
	Address address         `json:"address"`
	Friends []address       `json:"friends"`
	Manager *person         `json:"manager,omitempty"`
	Note    string          `json:"note,omitempty"`
	Extra   any             `json:"extra"`
	Secret  string          `json:"-"`
}

func samplePerson() person {
	return person{
		base:    base{ID: 7},
		Name:    "Huey",
		Age:     3,
		Score:   2,
		Active:  true,
		Balance: decimal.RequireFromString("12.5"),
		Tags:    []string{"a", "b"},
		Address: address{Street: "Main", Zip: "0451"},
		Friends: []address{{Street: "Elm", Zip: "1"}, {Street: "Oak", Zip: "2"}},
		Manager: &person{Name: "Scrooge", Balance: decimal.NewFromInt(1), Tags: []string{}, Friends: []address{}},
		Extra:   map[string]any{"k": []any{int64(1), "x"}},
		Secret:  "hidden",
	}
}

func TestStructured_RoundTrip(t *testing.T) {
	tr, vm, base := vmTracker(t)
	in := samplePerson()

	h, err := Marshal(tr, in)
	require.NoError(t, err)

	generic, err := Decode(vm, h)
	require.NoError(t, err)
	assert.Equal(t, "12.5", generic.Native().(map[string]any)["balance"])
	assert.Equal(t, int64(7), generic.Native().(map[string]any)["id"], "embedded fields are flattened")
	_, hasSecret := generic.Get("Secret")
	assert.False(t, hasSecret)
	_, hasNote := generic.Get("note")
	assert.False(t, hasNote, "omitempty")
	addr, _ := generic.Get("address")
	_, hasZip := addr.Get("zip")
	assert.True(t, hasZip, "jx9 tag wins over json tag")

	var out person
	require.NoError(t, Unmarshal(tr, h, &out))
	require.NoError(t, tr.Release(h))
	assert.Equal(t, 0, tr.Outstanding())
	assert.Equal(t, base, vm.LiveHandles())

	assert.True(t, in.Balance.Equal(out.Balance))
	assert.True(t, in.Manager.Balance.Equal(out.Manager.Balance))
	in.Balance, out.Balance = decimal.Zero, decimal.Zero
	in.Manager.Balance, out.Manager.Balance = decimal.Zero, decimal.Zero
	in.Secret = ""
	assert.Equal(t, in, out)
}

func TestStructured_NilsAndEmpties(t *testing.T) {
	tr, _, _ := vmTracker(t)
	type holder struct {
		Items []int           `json:"items"`
		Names map[string]bool `json:"names"`
		Ptr   *int            `json:"ptr"`
	}

	h, err := Marshal(tr, holder{Items: []int{}, Names: map[string]bool{}})
	require.NoError(t, err)
	defer tr.Release(h)

	var out holder
	require.NoError(t, Unmarshal(tr, h, &out))
	assert.Equal(t, []int{}, out.Items)
	assert.Equal(t, map[string]bool{}, out.Names)
	assert.Nil(t, out.Ptr)
}

func TestStructured_DashTags(t *testing.T) {
	tr, vm, _ := vmTracker(t)
	type tagged struct {
		Dash   string `json:"-,"`
		Hidden string `json:"-"`
		Plain  string `jx9:"-" json:"plain"`
	}

	h, err := Marshal(tr, tagged{Dash: "d", Hidden: "h", Plain: "p"})
	require.NoError(t, err)
	defer tr.Release(h)

	v, err := Decode(vm, h)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"-": "d"}, v.Native())

	var out tagged
	require.NoError(t, Unmarshal(tr, h, &out))
	assert.Equal(t, tagged{Dash: "d"}, out)
}

func TestStructured_Errors(t *testing.T) {
	type strict struct {
		Users []struct {
			Name string `json:"name"`
			Zip  string `json:"zip"`
		} `json:"users"`
	}
	type small struct {
		N int8 `json:"n"`
	}
	type unsigned struct {
		N uint32 `json:"n"`
	}
	type wrongType struct {
		N int `json:"n"`
	}

	tests := []struct {
		name string
		in   Value
		out  any
		kind error
		path string
	}{
		{
			name: "missing nested field",
			in:   Map(map[string]Value{"users": List(Map(map[string]Value{"name": String("a")}))}),
			out:  &strict{},
			kind: ErrNotFound,
			path: "users[0].zip",
		},
		{"int8 overflow", Map(map[string]Value{"n": Int(300)}), &small{}, ErrRange, "n"},
		{"negative into unsigned", Map(map[string]Value{"n": Int(-1)}), &unsigned{}, ErrRange, "n"},
		{"string into int", Map(map[string]Value{"n": String("5")}), &wrongType{}, ErrTypeCast, "n"},
		{"float into int", Map(map[string]Value{"n": Float(5)}), &wrongType{}, ErrTypeCast, "n"},
		{"sequence into record", List(Int(1)), &small{}, ErrTypeCast, ""},
		{"record into slice", Map(map[string]Value{"a": Int(1)}), &[]int{}, ErrTypeCast, ""},
		{"not a pointer", Int(1), 5, ErrTypeCast, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, vm, base := vmTracker(t)
			h, err := Encode(tr, tt.in)
			require.NoError(t, err)

			err = Unmarshal(tr, h, tt.out)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.path, be.Path)

			assert.Equal(t, 1, tr.Outstanding(), "fetched children are released on error")
			require.NoError(t, tr.Release(h))
			assert.Equal(t, base, vm.LiveHandles())
		})
	}
}

func TestStructured_MarshalRejects(t *testing.T) {
	type blob struct {
		Name string `json:"name"`
		Data []byte `json:"data"`
	}
	type huge struct {
		Inner struct {
			N uint64 `json:"n"`
		} `json:"inner"`
	}

	tests := []struct {
		name string
		in   any
		kind error
		path string
	}{
		{"byte slice", blob{Name: "x", Data: []byte("raw")}, ErrTypeCast, "data"},
		{"uint64 above int64", huge{Inner: struct {
			N uint64 `json:"n"`
		}{N: math.MaxUint64}}, ErrRange, "inner.n"},
		{"int keyed map", map[int]string{1: "a"}, ErrTypeCast, ""},
		{"channel", []any{1, make(chan int)}, ErrTypeCast, "[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, vm, base := vmTracker(t)
			_, err := Marshal(tr, tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.path, be.Path)
			assert.Equal(t, 0, tr.Outstanding())
			assert.Equal(t, base, vm.LiveHandles())
		})
	}
}

func TestStructured_GenericTargets(t *testing.T) {
	tr, _, _ := vmTracker(t)
	h, err := Marshal(tr, map[string]any{"a": []int{1, 2}, "b": nil})
	require.NoError(t, err)
	defer tr.Release(h)

	var native any
	require.NoError(t, Unmarshal(tr, h, &native))
	assert.Equal(t, map[string]any{"a": []any{int64(1), int64(2)}, "b": nil}, native)

	var v Value
	require.NoError(t, Unmarshal(tr, h, &v))
	assert.Equal(t, KindMap, v.Kind())
}

func TestValue_FromNative(t *testing.T) {
	v, err := FromNative(map[string]any{"n": 1, "xs": []float32{1.5}, "m": map[string]int{"k": 2}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(1), "xs": []any{float64(1.5)}, "m": map[string]any{"k": int64(2)}}, v.Native())

	_, err = FromNative(map[string]any{"bad": []any{struct{}{}}})
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "bad[0]", be.Path)

	assert.Equal(t, `{"a": [1, 2.5, "x", null, true]}`, Map(map[string]Value{
		"a": List(Int(1), Float(2.5), String("x"), Null(), Bool(true)),
	}).String())

	b, err := Map(map[string]Value{"a": Uint(1)}).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}
