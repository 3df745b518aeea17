package runtime

import (
	"context"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// Pull is the adapter for labs that fetch their own work. Submission
// only materializes the descriptor; the lab discovers the running node
// through its own queries and posts results to the callback endpoint
// when done.
type Pull struct {
	name string
}

// NewPull creates a pull adapter.
func NewPull(name string) *Pull {
	return &Pull{name: name}
}

// Name implements Runtime.
func (p *Pull) Name() string { return p.name }

// LabType implements Runtime.
func (p *Pull) LabType() string { return config.RuntimePull }

// Submit implements Runtime. Pull labs key their work on the node
// itself, so the node ID doubles as the job ID.
func (p *Pull) Submit(_ context.Context, _ []byte, node *types.Node) (*Handle, error) {
	return &Handle{Runtime: p.name, JobID: node.ID, NodeID: node.ID}, nil
}

// Poll implements Runtime.
func (p *Pull) Poll(context.Context, *Handle) (Status, error) {
	return StatusSubmitted, ErrAsyncOnly
}

// Cancel implements Runtime. There is nothing to stop on the backend
// side; expiring the node is the timeout service's job.
func (p *Pull) Cancel(context.Context, *Handle) error { return nil }

// Results implements Runtime.
func (p *Pull) Results(context.Context, *Handle) (*ResultPayload, error) {
	return nil, ErrAsyncOnly
}
