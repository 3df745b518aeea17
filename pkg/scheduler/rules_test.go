package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

func originFor(tree, branch, describe string) *types.Node {
	return &types.Node{
		Kind:  types.KindCheckout,
		State: types.StateAvailable,
		Data: types.NodeData{KernelRevision: &types.Revision{
			Tree:     tree,
			Branch:   branch,
			Describe: describe,
		}},
	}
}

func TestTreeBranchRules(t *testing.T) {
	rules := config.Rules{
		Tree:   []string{"linus:master", "stable"},
		Branch: []string{"!stable:master"},
	}
	tests := []struct {
		tree, branch string
		want         bool
	}{
		{"linus", "master", true},
		{"stable", "linux-6.1.y", true},
		{"stable", "master", false},
		{"next", "master", false},
	}
	for _, tt := range tests {
		t.Run(tt.tree+"/"+tt.branch, func(t *testing.T) {
			assert.Equal(t, tt.want, rulesMatch(rules, originFor(tt.tree, tt.branch, "")))
		})
	}
}

func TestDenyOnlyTreeRules(t *testing.T) {
	rules := config.Rules{Tree: []string{"!next"}}
	assert.True(t, rulesMatch(rules, originFor("mainline", "master", "")))
	assert.False(t, rulesMatch(rules, originFor("next", "master", "")))
}

func TestVersionBounds(t *testing.T) {
	rules := config.Rules{
		MinVersion: &config.Version{Version: 4, Patchlevel: 19},
		MaxVersion: &config.Version{Version: 6, Patchlevel: 1},
	}
	tests := []struct {
		describe string
		want     bool
	}{
		{"v4.19.120", true},
		{"v4.18-rc3", false},
		{"v5.15", true},
		{"v6.1-rc7-12-gdeadbeef", true},
		{"v6.2", false},
		{"gibberish", false},
	}
	for _, tt := range tests {
		t.Run(tt.describe, func(t *testing.T) {
			assert.Equal(t, tt.want, rulesMatch(rules, originFor("mainline", "master", tt.describe)))
		})
	}
}

func TestArchAndDefconfigRules(t *testing.T) {
	origin := &types.Node{Data: types.NodeData{
		Arch:      "arm64",
		Defconfig: "defconfig",
		Fragments: []string{"kselftest", "crypto"},
	}}

	assert.True(t, rulesMatch(config.Rules{Arch: []string{"arm64", "x86_64"}}, origin))
	assert.False(t, rulesMatch(config.Rules{Arch: []string{"!arm64"}}, origin))
	assert.False(t, rulesMatch(config.Rules{Defconfig: []string{"allmodconfig"}}, origin))
	assert.True(t, rulesMatch(config.Rules{Fragments: []string{"kselftest"}}, origin))
	assert.False(t, rulesMatch(config.Rules{Fragments: []string{"!crypto"}}, origin))
	assert.True(t, rulesMatch(config.Rules{Fragments: []string{"!kunit"}}, origin))
}

func TestRevisionRulesNeedRevision(t *testing.T) {
	bare := &types.Node{Data: types.NodeData{Arch: "arm64"}}
	assert.False(t, rulesMatch(config.Rules{Tree: []string{"mainline"}}, bare))
	assert.True(t, rulesMatch(config.Rules{Arch: []string{"arm64"}}, bare))
}

func TestParseKernelVersion(t *testing.T) {
	v, p, ok := parseKernelVersion("v6.9-rc2-13-gdeadbeef")
	assert.True(t, ok)
	assert.Equal(t, 6, v)
	assert.Equal(t, 9, p)

	_, _, ok = parseKernelVersion("")
	assert.False(t, ok)
}
