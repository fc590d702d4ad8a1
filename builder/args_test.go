package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestBuildArgsBuiltinProxyConsumedWithoutDeclare(t *testing.T) {
	a := newBuildArgs(map[string]*string{"HTTP_PROXY": strp("http://proxy:8080")})
	assert.Empty(t, a.unconsumed())
	assert.Equal(t, "http://proxy:8080", *a.effective["HTTP_PROXY"])
}

func TestBuildArgsDeclareWithoutCLIUsesDefault(t *testing.T) {
	a := newBuildArgs(nil)
	a.declare("VERSION", strp("1.0"))
	require.NotNil(t, a.effective["VERSION"])
	assert.Equal(t, "1.0", *a.effective["VERSION"])
	assert.Empty(t, a.unconsumed())
}

func TestBuildArgsDeclareWithCLIOverridesDefaultAndConsumes(t *testing.T) {
	a := newBuildArgs(map[string]*string{"VERSION": strp("2.0")})
	a.declare("VERSION", strp("1.0"))
	assert.Equal(t, "2.0", *a.effective["VERSION"])
	assert.Empty(t, a.unconsumed())
}

func TestBuildArgsUnconsumedWhenNeverDeclared(t *testing.T) {
	a := newBuildArgs(map[string]*string{"TYPO_ARG": strp("x")})
	assert.Equal(t, []string{"TYPO_ARG"}, a.unconsumed())
}

func TestBuildArgsDeclareWithNilDefaultAndNoCLI(t *testing.T) {
	a := newBuildArgs(nil)
	a.declare("UNSET", nil)
	assert.Nil(t, a.effective["UNSET"])
}

func TestBuildArgsEnvPairsOmitsNilValues(t *testing.T) {
	a := newBuildArgs(nil)
	a.declare("SET", strp("v"))
	a.declare("UNSET", nil)
	pairs := a.envPairs()
	assert.Contains(t, pairs, "SET=v")
	for _, p := range pairs {
		assert.NotContains(t, p, "UNSET=")
	}
}
