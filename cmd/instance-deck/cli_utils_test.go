package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/instance-deck/internal/mirror"
	"github.com/asheshgoplani/instance-deck/internal/registry"
	"github.com/asheshgoplani/instance-deck/internal/supervisor"
)

func TestNormalizeArgs(t *testing.T) {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.Bool("json", false, "")
	fs.String("layout", "", "")

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"flags after id", []string{"a1b2", "--json"}, []string{"--json", "a1b2"}},
		{"value flag", []string{"a1b2", "--layout", "Tall"}, []string{"--layout", "Tall", "a1b2"}},
		{"inline value", []string{"a1b2", "--layout=Tall"}, []string{"--layout=Tall", "a1b2"}},
		{"double dash", []string{"--json", "--", "--odd"}, []string{"--json", "--odd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeArgs(fs, tt.in))
		})
	}
}

func instances(ids ...string) []*registry.Instance {
	out := make([]*registry.Instance, len(ids))
	for i, id := range ids {
		out[i] = registry.NewInstance(id)
	}
	return out
}

func TestResolveInstance(t *testing.T) {
	list := instances("a1b2", "a1c9", "zz01")

	inst, _, _ := ResolveInstance("a1b2", list)
	require.NotNil(t, inst)
	assert.Equal(t, "a1b2", inst.ID)

	inst, _, _ = ResolveInstance("zz", list)
	require.NotNil(t, inst, "unique prefix")
	assert.Equal(t, "zz01", inst.ID)

	inst, msg, code := ResolveInstance("a1", list)
	assert.Nil(t, inst)
	assert.Equal(t, ErrCodeAmbiguous, code)
	assert.Contains(t, msg, "a1b2")
	assert.Contains(t, msg, "a1c9")

	inst, msg, code = ResolveInstance("ab2", list)
	assert.Nil(t, inst)
	assert.Equal(t, ErrCodeNotFound, code)
	assert.Contains(t, msg, "did you mean a1b2")

	_, _, code = ResolveInstance("", list)
	assert.Equal(t, ErrCodeNotFound, code)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, errorCode(registry.ErrNotFound))
	assert.Equal(t, ErrCodeRunning, errorCode(registry.ErrInstanceRunning))
	assert.Equal(t, ErrCodeBusy, errorCode(registry.ErrBusy))
	assert.Equal(t, ErrCodeNeedsRepair, errorCode(supervisor.ErrNeedsRepair))
	assert.Equal(t, ErrCodeNotElevated, errorCode(&mirror.HelperError{Code: 1}))
	assert.Equal(t, ErrCodeInvalidOperation, errorCode(supervisor.ErrNoHostExecutable))
}

func TestPadCell(t *testing.T) {
	assert.Equal(t, "ab   ", padCell("ab", 5))
	assert.Equal(t, "abcdefg...", padCell("abcdefghijklmnop", 10))
	assert.Equal(t, "日本  ", padCell("日本", 6), "wide runes count two columns")
}

func TestRenderState_PlainProfile(t *testing.T) {
	assert.Equal(t, "● running", renderState(supervisor.Running, 0))
	assert.Len(t, renderState(supervisor.Ready, 12), len("○ ready")+5)
}

func TestParseSceneMove(t *testing.T) {
	path, index, err := parseSceneMove("Assets/a=b.unity=2")
	require.NoError(t, err)
	assert.Equal(t, "Assets/a=b.unity", path)
	assert.Equal(t, 2, index)

	_, _, err = parseSceneMove("Assets/Main.unity")
	assert.Error(t, err)
	_, _, err = parseSceneMove("Assets/Main.unity=x")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, splitList(" A, ,B ,"))
	assert.Nil(t, splitList(""))
}
