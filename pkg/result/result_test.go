package result

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kite-ci/kite/pkg/types"
)

func child(name string, result types.Result) *types.Node {
	return &types.Node{Name: name, State: types.StateDone, Result: result}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		children []*types.Node
		want     types.Result
	}{
		{"no children", nil, types.ResultPass},
		{"all pass", []*types.Node{child("a", types.ResultPass), child("b", types.ResultPass)}, types.ResultPass},
		{"mixed pass and skip", []*types.Node{child("a", types.ResultPass), child("b", types.ResultSkip)}, types.ResultPass},
		{"all skip", []*types.Node{child("a", types.ResultSkip), child("b", types.ResultSkip)}, types.ResultSkip},
		{"any fail", []*types.Node{child("a", types.ResultPass), child("b", types.ResultFail)}, types.ResultFail},
		{
			"setup pass does not shield fails",
			[]*types.Node{child("setup", types.ResultPass), child("b", types.ResultFail)},
			types.ResultFail,
		},
		{
			"setup fail means incomplete",
			[]*types.Node{child("setup", types.ResultFail), child("b", types.ResultFail)},
			types.ResultIncomplete,
		},
		{
			"pass pass skip with setup pass",
			[]*types.Node{child("setup", types.ResultPass), child("a", types.ResultPass), child("b", types.ResultSkip)},
			types.ResultPass,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.children))
		})
	}
}

func TestRetryEligible(t *testing.T) {
	node := func(kind types.Kind, name string, result types.Result, counter int) *types.Node {
		return &types.Node{
			Kind:   kind,
			Name:   name,
			State:  types.StateDone,
			Result: result,
			Data:   types.NodeData{RetryCounter: counter},
		}
	}
	tests := []struct {
		name string
		n    *types.Node
		want bool
	}{
		{"incomplete kbuild", node(types.KindKbuild, "kbuild-gcc-12-x86", types.ResultIncomplete, 0), true},
		{"failed kbuild", node(types.KindKbuild, "kbuild-gcc-12-x86", types.ResultFail, 1), true},
		{"incomplete job", node(types.KindJob, "kselftest-dt", types.ResultIncomplete, 2), true},
		{"failed baseline", node(types.KindJob, "baseline-arm64", types.ResultFail, 0), true},
		{"failed non-baseline job", node(types.KindJob, "kselftest-dt", types.ResultFail, 0), false},
		{"exhausted chain", node(types.KindKbuild, "kbuild-gcc-12-x86", types.ResultIncomplete, 3), false},
		{"passed kbuild", node(types.KindKbuild, "kbuild-gcc-12-x86", types.ResultPass, 0), false},
		{"failed test leaf", node(types.KindTest, "boot", types.ResultFail, 0), false},
		{
			"still running",
			&types.Node{Kind: types.KindKbuild, State: types.StateRunning},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryEligible(tt.n))
		})
	}
}
