package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"running to available", StateRunning, StateAvailable, true},
		{"running to done", StateRunning, StateDone, true},
		{"running to closing", StateRunning, StateClosing, true},
		{"available to closing", StateAvailable, StateClosing, true},
		{"available to done", StateAvailable, StateDone, true},
		{"closing to done", StateClosing, StateDone, true},
		{"identity transition", StateAvailable, StateAvailable, true},
		{"available back to running", StateAvailable, StateRunning, false},
		{"closing back to available", StateClosing, StateAvailable, false},
		{"done to anything", StateDone, StateRunning, false},
		{"done to closing", StateDone, StateClosing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestResultValid(t *testing.T) {
	assert.True(t, ResultPass.Valid())
	assert.True(t, ResultFail.Valid())
	assert.True(t, ResultSkip.Valid())
	assert.True(t, ResultIncomplete.Valid())
	assert.False(t, ResultNone.Valid())
	assert.False(t, Result("error").Valid())
}

func TestNodeAcceptsChildren(t *testing.T) {
	tests := []struct {
		state   State
		accepts bool
	}{
		{StateRunning, true},
		{StateAvailable, true},
		{StateClosing, false},
		{StateDone, false},
	}
	for _, tt := range tests {
		n := &Node{State: tt.state}
		assert.Equal(t, tt.accepts, n.AcceptsChildren(), "state %s", tt.state)
	}
}

func TestNodeDeadlines(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	n := &Node{Timeout: &past, Holdoff: &future}
	assert.True(t, n.TimedOut(now))
	assert.False(t, n.HoldoffElapsed(now))

	n = &Node{}
	assert.False(t, n.TimedOut(now), "nil timeout never expires")
	assert.False(t, n.HoldoffElapsed(now), "nil holdoff never elapses")

	// A deadline exactly at now counts as expired.
	n = &Node{Timeout: &now}
	assert.True(t, n.TimedOut(now))
}

func TestChildPath(t *testing.T) {
	n := &Node{Path: []string{"checkout", "kbuild-gcc-12-arm64"}}
	child := n.ChildPath("baseline-arm64")
	assert.Equal(t, []string{"checkout", "kbuild-gcc-12-arm64", "baseline-arm64"}, child)
	// Parent path must not be aliased by the child slice.
	child[0] = "mutated"
	assert.Equal(t, "checkout", n.Path[0])
}

func TestEventFromNode(t *testing.T) {
	n := &Node{
		ID:     "n1",
		Kind:   KindKbuild,
		Name:   "kbuild-gcc-12-arm64",
		State:  StateDone,
		Result: ResultPass,
		Parent: "n0",
		Data: NodeData{
			KernelRevision: &Revision{Tree: "mainline", Branch: "master"},
			RetryCounter:   2,
		},
	}
	ev := EventFromNode("updated", n)
	assert.Equal(t, "updated", ev.Op)
	assert.Equal(t, "n1", ev.ID)
	assert.Equal(t, "mainline", ev.Tree)
	assert.Equal(t, "master", ev.Branch)
	assert.Equal(t, 2, ev.Retry)
}

func TestRevisionTreeID(t *testing.T) {
	r := Revision{Tree: "next", Branch: "master", Commit: "abc123"}
	assert.Equal(t, "next:master:abc123", r.TreeID())
}
