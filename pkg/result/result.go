package result

import (
	"strings"

	"github.com/kite-ci/kite/pkg/types"
)

// Aggregate rolls the immediate-child results up into the parent
// verdict. A failed setup suite means the payload never ran, so the
// parent is incomplete rather than failed. Mixed pass and skip counts
// as pass; a childless parent closes as pass.
func Aggregate(children []*types.Node) types.Result {
	if len(children) == 0 {
		return types.ResultPass
	}
	var anyFail, setupFail bool
	allSkip := true
	for _, c := range children {
		if c.Result != types.ResultSkip {
			allSkip = false
		}
		if c.Result == types.ResultFail {
			anyFail = true
			if c.Name == "setup" {
				setupFail = true
			}
		}
	}
	switch {
	case setupFail:
		return types.ResultIncomplete
	case anyFail:
		return types.ResultFail
	case allSkip:
		return types.ResultSkip
	}
	return types.ResultPass
}

// RetryEligible reports whether a terminal node qualifies for a retry
// sibling: incomplete builds and jobs, failed builds, and failed
// baseline boots, as long as the chain has attempts left. The same
// predicate gates reporting so that intermediate attempts are never
// forwarded.
func RetryEligible(n *types.Node) bool {
	if !n.Terminal() || n.Data.RetryCounter >= MaxRetries {
		return false
	}
	switch n.Kind {
	case types.KindKbuild:
		return n.Result == types.ResultIncomplete || n.Result == types.ResultFail
	case types.KindJob:
		if n.Result == types.ResultIncomplete {
			return true
		}
		return n.Result == types.ResultFail && strings.HasPrefix(n.Name, "baseline")
	}
	return false
}

// MaxRetries bounds the retry chain length per logical job.
const MaxRetries = 3
