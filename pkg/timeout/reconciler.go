package timeout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/result"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// Sweep modes. A reconciler instance can run any subset so that
// deployments may split timeout expiry and holdoff closing across
// processes.
const (
	ModeTimeout = "timeout"
	ModeHoldoff = "holdoff"
	ModeClosing = "closing"
)

// Config tunes the reconciler.
type Config struct {
	// PollPeriod is the interval between sweeps.
	PollPeriod time.Duration

	// Modes selects which sweeps run. Empty means all of them.
	Modes []string
}

// Reconciler periodically expires stale nodes and drives parents
// through available, closing and done as their deadlines pass and
// their children settle.
type Reconciler struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger
}

// New creates a reconciler.
func New(s store.Store, cfg Config) *Reconciler {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 25 * time.Second
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = []string{ModeTimeout, ModeHoldoff, ModeClosing}
	}
	return &Reconciler{store: s, cfg: cfg, log: log.WithService("timeout")}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) mode(m string) bool {
	for _, got := range r.cfg.Modes {
		if got == m {
			return true
		}
	}
	return false
}

// Sweep processes every pending node once. Nodes are visited deepest
// first so that parent aggregation within one sweep sees the final
// state of its children.
func (r *Reconciler) Sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	pending, err := store.Pending(ctx, r.store)
	if err != nil {
		return fmt.Errorf("listing pending nodes: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return len(pending[i].Path) > len(pending[j].Path)
	})

	now := time.Now()
	var errs []error
	for _, n := range pending {
		if err := r.reconcile(ctx, n.ID, now); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				// Another writer settled the node mid-sweep.
				continue
			}
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// reconcile applies at most one transition to the node. The node is
// re-read because earlier work in the same sweep may have settled it.
func (r *Reconciler) reconcile(ctx context.Context, id string, now time.Time) error {
	n, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Terminal() {
		return nil
	}

	if r.mode(ModeTimeout) && n.Timeout != nil && !now.Before(*n.Timeout) {
		return r.expire(ctx, n)
	}

	switch {
	case r.mode(ModeHoldoff) && n.State == types.StateAvailable &&
		n.Holdoff != nil && !now.Before(*n.Holdoff):
		settled, err := r.childrenDone(ctx, n.ID)
		if err != nil {
			return err
		}
		if settled {
			return r.close(ctx, n, types.StateAvailable)
		}
		n.State = types.StateClosing
		if _, err := r.store.Update(ctx, n, types.StateAvailable); err != nil {
			return err
		}
		r.log.Info().Str("node_id", n.ID).Msg("holdoff elapsed, node closing")
		return nil

	case r.mode(ModeClosing) && n.State == types.StateClosing:
		settled, err := r.childrenDone(ctx, n.ID)
		if err != nil {
			return err
		}
		if settled {
			return r.close(ctx, n, types.StateClosing)
		}
	}
	return nil
}

func (r *Reconciler) childrenDone(ctx context.Context, id string) (bool, error) {
	children, err := store.Children(ctx, r.store, id)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if !c.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (r *Reconciler) close(ctx context.Context, n *types.Node, expect types.State) error {
	updated, err := result.Close(ctx, r.store, n, expect)
	if err != nil {
		return err
	}
	r.log.Info().
		Str("node_id", updated.ID).
		Str("result", string(updated.Result)).
		Msg("node closed")
	return nil
}

// expire settles a timed-out node and every non-terminal descendant,
// deepest first. A node caught still running never produced its
// outcome and becomes incomplete; one waiting in available or closing
// already did its own work and keeps the verdict it reported,
// defaulting to the holdoff completion verdict of pass.
func (r *Reconciler) expire(ctx context.Context, n *types.Node) error {
	children, err := store.Children(ctx, r.store, n.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Terminal() {
			continue
		}
		if err := r.expire(ctx, c); err != nil {
			return err
		}
	}

	expect := n.State
	verdict := n.Result
	switch {
	case n.State == types.StateRunning:
		verdict = types.ResultIncomplete
	case verdict == "":
		verdict = types.ResultPass
	}
	n.State = types.StateDone
	n.Result = verdict
	if _, err := r.store.Update(ctx, n, expect); err != nil {
		return err
	}
	metrics.NodesTimedOut.Inc()
	metrics.NodesCompleted.WithLabelValues(string(n.Kind), string(verdict)).Inc()
	r.log.Info().
		Str("node_id", n.ID).
		Str("kind", string(n.Kind)).
		Str("result", string(verdict)).
		Msg("node timed out")
	return nil
}
