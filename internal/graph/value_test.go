package graph

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSON(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		json  string
	}{
		{"null", Null(), `null`},
		{"string", String("Widget"), `"Widget"`},
		{"number", Number(9.5), `9.5`},
		{"integer", Number(42), `42`},
		{"bool", Bool(true), `true`},
		{"ref", Ref("~abc/store"), `{"#":"~abc/store"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.json, string(tt.value.Canonical()))

			var back Value
			require.NoError(t, json.Unmarshal([]byte(tt.json), &back))
			assert.True(t, back.Equal(tt.value), "got %v", back)
		})
	}
}

func TestValueUnmarshalRejects(t *testing.T) {
	for _, in := range []string{`{"x":1}`, `{"#":""}`, `[1,2]`, `nul`} {
		var v Value
		assert.Error(t, json.Unmarshal([]byte(in), &v), in)
	}
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(map[string]any{"#": "soul"})
	require.NoError(t, err)
	soul, ok := v.Soul()
	assert.True(t, ok)
	assert.Equal(t, Soul("soul"), soul)

	v, err = ValueOf(3)
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind())

	_, err = ValueOf(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ValueOf([]string{"no"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestSoulHelpers(t *testing.T) {
	alice := newSigner(t, "alice")
	root := NamespaceRoot(alice.PublicKey())
	child := root.Child("store").Child("products")

	owner, ok := child.Owner()
	require.True(t, ok)
	assert.Equal(t, []byte(alice.PublicKey()), []byte(owner))
	assert.Equal(t, root, child.Root())

	assert.True(t, LocalRoot.Child("cart").IsLocal())
	assert.False(t, Soul("localish").IsLocal())

	_, ok = Soul("shared").Owner()
	assert.False(t, ok)

	a := ContentSoul(map[string]Value{"x": Number(1), "y": String("z")})
	b := ContentSoul(map[string]Value{"y": String("z"), "x": Number(1)})
	c := ContentSoul(map[string]Value{"x": Number(2), "y": String("z")})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
