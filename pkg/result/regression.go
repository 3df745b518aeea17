package result

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// Detector watches for nodes finishing as fail and records a
// regression when the most recent run of the same fingerprint passed.
type Detector struct {
	store store.Store
	bus   events.Bus
	topic string
	log   zerolog.Logger
}

// NewDetector creates a regression detector on the given topic.
func NewDetector(s store.Store, bus events.Bus, topic string) *Detector {
	if topic == "" {
		topic = "node"
	}
	return &Detector{store: s, bus: bus, topic: topic, log: log.WithService("regression")}
}

// Run consumes node events until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, d.topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", d.topic, err)
	}
	defer sub.Close()

	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		if ev.State != types.StateDone || ev.Result != types.ResultFail {
			continue
		}
		metrics.EventsHandled.WithLabelValues("regression").Inc()
		if err := d.Process(ctx, ev.ID); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Str("node_id", ev.ID).Msg("regression check failed")
		}
	}
}

// Process runs the regression check for one terminal node.
func (d *Detector) Process(ctx context.Context, nodeID string) error {
	n, err := d.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	switch {
	case !n.Terminal() || n.Result != types.ResultFail:
		return nil
	case n.Kind == types.KindCheckout || n.Kind == types.KindRegression:
		return nil
	case n.Data.ErrorCode != "":
		// Infrastructure errors are not kernel regressions.
		return nil
	case n.Data.Regression != "":
		return nil
	}

	prev, err := d.lastPassing(ctx, n)
	if err != nil || prev == nil {
		return err
	}

	reg, err := d.store.Create(ctx, &types.Node{
		Kind:   types.KindRegression,
		Name:   n.Name,
		Path:   n.Path,
		Group:  n.Group,
		Parent: n.ID,
		State:  types.StateDone,
		Result: types.ResultFail,
		Data: types.NodeData{
			KernelRevision: n.Data.KernelRevision,
			Arch:           n.Data.Arch,
			Compiler:       n.Data.Compiler,
			Defconfig:      n.Data.Defconfig,
			ConfigFull:     n.Data.ConfigFull,
			Platform:       n.Data.Platform,
			FailNode:       n.ID,
			PassNode:       prev.ID,
		},
		Artifacts: n.Artifacts,
		TreeID:    n.TreeID,
	})
	if err != nil {
		return fmt.Errorf("creating regression for %s: %w", n.ID, err)
	}
	metrics.NodesCreated.WithLabelValues(string(types.KindRegression)).Inc()

	n.Data.Regression = reg.ID
	if _, err := d.store.Update(ctx, n, types.StateDone); err != nil {
		return fmt.Errorf("linking regression on %s: %w", n.ID, err)
	}
	d.log.Info().
		Str("node_id", n.ID).
		Str("regression_id", reg.ID).
		Str("last_pass", prev.ID).
		Msg("regression detected")
	return nil
}

// lastPassing finds the most recent earlier sibling run of the same
// fingerprint that passed.
func (d *Detector) lastPassing(ctx context.Context, n *types.Node) (*types.Node, error) {
	q := store.Query{
		"kind":   string(n.Kind),
		"name":   n.Name,
		"state":  string(types.StateDone),
		"result": string(types.ResultPass),
	}
	if rev := n.Data.KernelRevision; rev != nil {
		q["data.kernel_revision.tree"] = rev.Tree
		q["data.kernel_revision.branch"] = rev.Branch
	}
	for field, value := range map[string]string{
		"data.arch":        n.Data.Arch,
		"data.config_full": n.Data.ConfigFull,
		"data.compiler":    n.Data.Compiler,
		"data.platform":    n.Data.Platform,
	} {
		if value != "" {
			q[field] = value
		}
	}
	siblings, err := d.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprint siblings: %w", err)
	}
	var latest *types.Node
	for _, s := range siblings {
		if s.ID == n.ID || !s.Created.Before(n.Created) {
			continue
		}
		if latest == nil || s.Created.After(latest.Created) {
			latest = s
		}
	}
	return latest, nil
}
