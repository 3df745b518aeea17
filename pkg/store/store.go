package store

import (
	"context"
	"errors"

	"github.com/kite-ci/kite/pkg/types"
)

var (
	// ErrNotFound is returned when a node id does not exist.
	ErrNotFound = errors.New("node not found")

	// ErrConflict is returned when a compare-and-swap precondition
	// fails or a write would regress the node lifecycle. The caller
	// is expected to re-read and reconcile.
	ErrConflict = errors.New("node state conflict")
)

// Query is a list filter: field name (optionally with an operator
// suffix) to expected value. Dotted paths reach into node data, e.g.
//
//	Query{"data.kernel_revision.tree": "mainline", "created__gt": ts}
//
// Supported operator suffixes: __gt, __lt, __ne, __re.
type Query map[string]string

// Store is the client surface of the external state store. All
// methods are safe for concurrent use; writes are linearized by the
// store through state preconditions.
type Store interface {
	// Get fetches a node by id.
	Get(ctx context.Context, id string) (*types.Node, error)

	// Create persists a new node. The store assigns ID, Created and
	// Updated; the returned node carries them.
	Create(ctx context.Context, n *types.Node) (*types.Node, error)

	// Update rewrites a node. When expect is non-empty the write
	// carries an If-Match precondition on the current state and fails
	// with ErrConflict if another writer got there first.
	Update(ctx context.Context, n *types.Node, expect types.State) (*types.Node, error)

	// List returns all nodes matching the query.
	List(ctx context.Context, q Query) ([]*types.Node, error)
}

// Children lists the immediate children of a node.
func Children(ctx context.Context, s Store, parentID string) ([]*types.Node, error) {
	return s.List(ctx, Query{"parent": parentID})
}

// Pending lists nodes in any non-terminal state.
func Pending(ctx context.Context, s Store) ([]*types.Node, error) {
	var out []*types.Node
	for _, state := range []types.State{types.StateRunning, types.StateAvailable, types.StateClosing} {
		nodes, err := s.List(ctx, Query{"state": string(state)})
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}
