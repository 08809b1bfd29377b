package util

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrings_Base58(t *testing.T) {
	seen := map[string]bool{}

	for i := 0; i < 100; i++ {
		code, err := Strings.Base58(6)
		require.NoError(t, err)

		raw, err := base58.Decode(code)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), 6)

		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestStrings_ToInt64(t *testing.T) {
	assert.Equal(t, int64(42), Strings.ToInt64("42"))
	assert.Equal(t, int64(0), Strings.ToInt64("abc"))
	assert.Equal(t, int64(0), Strings.ToInt64(""))
}

func TestStrings_Nullable(t *testing.T) {
	assert.Nil(t, Strings.Nullable(""))
	assert.Equal(t, "x", *Strings.Nullable("x"))
}
