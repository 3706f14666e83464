// Copyright 2025 James Ross
package dedupe

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestKeyIsDeterministic(t *testing.T) {
	params1 := decode(t, `{"b": 2, "a": 1}`)
	params2 := decode(t, `{"a": 1, "b": 2}`)

	k1, err := Key("t.echo", params1)
	require.NoError(t, err)
	k2, err := Key("t.echo", params2)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "key ordering must not affect the fingerprint")
	require.Len(t, k1, 64)
}

func TestKeyDiffersOnValue(t *testing.T) {
	p1 := decode(t, `{"msg":"hi"}`)
	p2 := decode(t, `{"msg":"bye"}`)
	k1, err := Key("t.echo", p1)
	require.NoError(t, err)
	k2, err := Key("t.echo", p2)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestKeyDiffersOnType(t *testing.T) {
	p := decode(t, `{"msg":"hi"}`)
	k1, err := Key("t.echo", p)
	require.NoError(t, err)
	k2, err := Key("t.other", p)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestKeyNestedSorting(t *testing.T) {
	p1 := decode(t, `{"outer":{"z":1,"a":2},"list":[1,2,3]}`)
	p2 := decode(t, `{"list":[1,2,3],"outer":{"a":2,"z":1}}`)
	k1, err := Key("t.x", p1)
	require.NoError(t, err)
	k2, err := Key("t.x", p2)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}
