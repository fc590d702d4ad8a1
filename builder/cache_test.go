package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopCommandRun(t *testing.T) {
	cmd := nopCommand("run", "", nil, "", "", []string{"/bin/sh", "-c", "echo hi"})
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, cmd)
}

func TestNopCommandRunWithArgs(t *testing.T) {
	cmd := nopCommand("run", "", []string{"B=2", "A=1"}, "", "", []string{"/bin/sh", "-c", "echo hi"})
	require.Len(t, cmd, 5)
	assert.Equal(t, "|2", cmd[0])
	assert.Equal(t, "A=1", cmd[1])
	assert.Equal(t, "B=2", cmd[2])
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, cmd[3:])
}

func TestNopCommandAddCopy(t *testing.T) {
	cmd := nopCommand("add", "", nil, "file:abc", "/dst", nil)
	assert.Equal(t, []string{"/bin/sh", "-c", "#(nop) ADD file:abc in /dst"}, cmd)
}

func TestNopCommandCmdEntrypoint(t *testing.T) {
	cmd := nopCommand("cmd", "", nil, "", "", []string{"/bin/sh", "-c", "foo"})
	assert.Contains(t, cmd[2], "#(nop) CMD")
}

func TestNopCommandDefault(t *testing.T) {
	cmd := nopCommand("workdir", "/app", nil, "", "", nil)
	assert.Equal(t, []string{"/bin/sh", "-c", "#(nop) WORKDIR /app"}, cmd)
}

func TestCacheEngineLookupMatchesParentCmdAndLabels(t *testing.T) {
	candidates := []CachedImage{
		{
			ID:              "child1",
			ParentID:        "parent1",
			ContainerConfig: &Config{Cmd: []string{"/bin/sh", "-c", "#(nop) WORKDIR /app"}},
			Config:          &Config{Labels: map[string]string{"a": "1"}},
		},
	}
	c := newCacheEngine(true, candidates)

	got := c.lookup("parent1", []string{"/bin/sh", "-c", "#(nop) WORKDIR /app"}, map[string]string{"a": "1"})
	require.NotNil(t, got)
	assert.Equal(t, "child1", got.ID)
}

func TestCacheEngineLookupMissesOnLabelMismatch(t *testing.T) {
	candidates := []CachedImage{
		{
			ID:              "child1",
			ParentID:        "parent1",
			ContainerConfig: &Config{Cmd: []string{"/bin/sh", "-c", "x"}},
			Config:          &Config{Labels: map[string]string{"a": "1"}},
		},
	}
	c := newCacheEngine(true, candidates)
	got := c.lookup("parent1", []string{"/bin/sh", "-c", "x"}, map[string]string{"a": "2"})
	assert.Nil(t, got)
}

func TestCacheEngineDisabledNeverMatches(t *testing.T) {
	candidates := []CachedImage{
		{ID: "child1", ParentID: "parent1", ContainerConfig: &Config{Cmd: []string{"x"}}, Config: &Config{}},
	}
	c := newCacheEngine(false, candidates)
	got := c.lookup("parent1", []string{"x"}, nil)
	assert.Nil(t, got)
}
