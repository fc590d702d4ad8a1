package shellword

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandSimple(t *testing.T) {
	out, err := Expand("hello $NAME", []string{"NAME=world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestExpandBraced(t *testing.T) {
	out, err := Expand("${NAME}!", []string{"NAME=world"})
	require.NoError(t, err)
	assert.Equal(t, "world!", out)
}

func TestExpandUnknownIsEmpty(t *testing.T) {
	out, err := Expand("[$MISSING]", nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestExpandDefaultWhenUnset(t *testing.T) {
	out, err := Expand("${NAME:-fallback}", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	out, err = Expand("${NAME:-fallback}", []string{"NAME=set"})
	require.NoError(t, err)
	assert.Equal(t, "set", out)
}

func TestExpandPlusWhenSet(t *testing.T) {
	out, err := Expand("${NAME:+alt}", []string{"NAME=set"})
	require.NoError(t, err)
	assert.Equal(t, "alt", out)

	out, err = Expand("${NAME:+alt}", nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestExpandSingleQuotesVerbatim(t *testing.T) {
	out, err := Expand(`'$NAME'`, []string{"NAME=world"})
	require.NoError(t, err)
	assert.Equal(t, "$NAME", out)
}

func TestExpandDoubleQuotesExpandAndEscape(t *testing.T) {
	out, err := Expand(`"$NAME \$literal \"q\""`, []string{"NAME=world"})
	require.NoError(t, err)
	assert.Equal(t, `world $literal "q"`, out)
}

func TestExpandBadSubstitution(t *testing.T) {
	_, err := Expand("${NAME:}", nil)
	assert.ErrorIs(t, err, ErrBadSubstitution)

	_, err = Expand("${NAME!}", nil)
	assert.ErrorIs(t, err, ErrBadSubstitution)
}

func TestExpandFirstMatchWins(t *testing.T) {
	out, err := Expand("$NAME", []string{"NAME=first", "NAME=second"})
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}
