package result

import (
	"context"
	"fmt"
	"time"

	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/runtime"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// Ingest applies a completed job's payload to its node: child nodes
// for every reported suite and case, artifacts, diagnostics and the
// state transition. Builds and jobs move to available with a holdoff
// so late children can still attach; leaves and incomplete runs close
// immediately. Redelivered payloads update existing children in place
// instead of duplicating them.
func Ingest(ctx context.Context, s store.Store, node *types.Node, payload *runtime.ResultPayload, holdoff time.Duration) (*types.Node, error) {
	for _, tr := range payload.Results {
		if err := ingestResult(ctx, s, node, tr); err != nil {
			return nil, err
		}
	}

	if len(payload.Artifacts) > 0 && node.Artifacts == nil {
		node.Artifacts = make(map[string]string)
	}
	for k, v := range payload.Artifacts {
		node.Artifacts[k] = v
	}
	if payload.ErrorCode != "" {
		node.Data.ErrorCode = payload.ErrorCode
		node.Data.ErrorMsg = payload.ErrorMsg
	}

	opensForChildren := node.Kind == types.KindKbuild || node.Kind == types.KindJob || node.Kind == types.KindProcess
	if opensForChildren && payload.Status != types.ResultIncomplete {
		node.State = types.StateAvailable
		node.Result = payload.Status
		h := time.Now().Add(holdoff)
		node.Holdoff = &h
	} else {
		node.State = types.StateDone
		node.Result = payload.Status
	}

	updated, err := s.Update(ctx, node, types.StateRunning)
	if err != nil {
		return nil, fmt.Errorf("applying results to %s: %w", node.ID, err)
	}
	if updated.State == types.StateDone {
		metrics.NodesCompleted.WithLabelValues(string(updated.Kind), string(updated.Result)).Inc()
	}
	return updated, nil
}

// childData carries the inheritable attributes down the result tree.
func childData(parent *types.Node) types.NodeData {
	return types.NodeData{
		KernelRevision: parent.Data.KernelRevision,
		Arch:           parent.Data.Arch,
		Compiler:       parent.Data.Compiler,
		Defconfig:      parent.Data.Defconfig,
		ConfigFull:     parent.Data.ConfigFull,
		Fragments:      parent.Data.Fragments,
		Platform:       parent.Data.Platform,
		Device:         parent.Data.Device,
		Runtime:        parent.Data.Runtime,
		RetryCounter:   parent.Data.RetryCounter,
	}
}

func ingestResult(ctx context.Context, s store.Store, parent *types.Node, tr runtime.TestResult) error {
	kind := tr.Kind
	if kind == "" {
		kind = types.KindTest
	}
	verdict := tr.Result
	if verdict == "" {
		verdict = reportedVerdict(tr.Children)
	}

	existing, err := s.List(ctx, store.Query{"parent": parent.ID, "name": tr.Name})
	if err != nil {
		return fmt.Errorf("looking up result %s under %s: %w", tr.Name, parent.ID, err)
	}

	var node *types.Node
	if len(existing) > 0 {
		node = existing[0]
		if !node.Terminal() {
			node.State = types.StateDone
			node.Result = verdict
			for k, v := range tr.Artifacts {
				if node.Artifacts == nil {
					node.Artifacts = make(map[string]string)
				}
				node.Artifacts[k] = v
			}
			if node, err = s.Update(ctx, node, ""); err != nil {
				return fmt.Errorf("updating result %s: %w", tr.Name, err)
			}
		}
	} else {
		state := types.StateDone
		if len(tr.Children) > 0 {
			// Suites close only after their cases are attached.
			state = types.StateRunning
		}
		node, err = s.Create(ctx, &types.Node{
			Kind:      kind,
			Name:      tr.Name,
			Path:      parent.ChildPath(tr.Name),
			Group:     parent.Group,
			Parent:    parent.ID,
			State:     state,
			Result:    verdict,
			Data:      childData(parent),
			Artifacts: tr.Artifacts,
			Owner:     parent.Owner,
			TreeID:    parent.TreeID,
		})
		if err != nil {
			return fmt.Errorf("creating result %s under %s: %w", tr.Name, parent.ID, err)
		}
		metrics.NodesCreated.WithLabelValues(string(kind)).Inc()
	}

	for _, child := range tr.Children {
		if err := ingestResult(ctx, s, node, child); err != nil {
			return err
		}
	}
	if node.State == types.StateRunning {
		node.State = types.StateDone
		node.Result = verdict
		if _, err := s.Update(ctx, node, types.StateRunning); err != nil {
			return fmt.Errorf("closing suite %s: %w", tr.Name, err)
		}
		metrics.NodesCompleted.WithLabelValues(string(node.Kind), string(verdict)).Inc()
	}
	return nil
}

// reportedVerdict fills in a suite verdict the lab left blank.
func reportedVerdict(children []runtime.TestResult) types.Result {
	if len(children) == 0 {
		return types.ResultSkip
	}
	var anyFail bool
	allSkip := true
	for _, c := range children {
		v := c.Result
		if v == "" {
			v = reportedVerdict(c.Children)
		}
		if v != types.ResultSkip {
			allSkip = false
		}
		if v == types.ResultFail {
			anyFail = true
			if c.Name == "setup" {
				return types.ResultIncomplete
			}
		}
	}
	switch {
	case anyFail:
		return types.ResultFail
	case allSkip:
		return types.ResultSkip
	}
	return types.ResultPass
}

// Close finishes a parent whose children are all terminal. expect
// carries the CAS precondition. A verdict the run already reported
// stays on the node; aggregation fills in parents that never reported
// one, and a failure surfaced by the children demotes a reported pass.
func Close(ctx context.Context, s store.Store, node *types.Node, expect types.State) (*types.Node, error) {
	children, err := store.Children(ctx, s, node.ID)
	if err != nil {
		return nil, err
	}
	node.State = types.StateDone
	node.Result = closeVerdict(node.Result, children)
	updated, err := s.Update(ctx, node, expect)
	if err != nil {
		return nil, err
	}
	metrics.NodesCompleted.WithLabelValues(string(updated.Kind), string(updated.Result)).Inc()
	return updated, nil
}

func closeVerdict(own types.Result, children []*types.Node) types.Result {
	agg := Aggregate(children)
	switch {
	case own == "":
		return agg
	case own == types.ResultPass && (agg == types.ResultFail || agg == types.ResultIncomplete):
		return agg
	}
	return own
}
