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

// Spawner watches for retry-eligible terminal nodes and re-emits
// their build or checkout ancestor as a synthetic available event
// restricted to the failed job. The scheduler consumes that event and
// creates the retry sibling; the spawner itself never writes nodes.
type Spawner struct {
	store store.Store
	bus   events.Bus
	topic string
	log   zerolog.Logger
}

// NewSpawner creates a retry spawner on the given topic.
func NewSpawner(s store.Store, bus events.Bus, topic string) *Spawner {
	if topic == "" {
		topic = "node"
	}
	return &Spawner{store: s, bus: bus, topic: topic, log: log.WithService("retry")}
}

// Run consumes node events until ctx is cancelled.
func (r *Spawner) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, r.topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.topic, err)
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
		// Only real terminal transitions qualify. Synthetic retry
		// events come back on the same topic as available, so they
		// fall through here without looping.
		if ev.State != types.StateDone {
			continue
		}
		metrics.EventsHandled.WithLabelValues("retry").Inc()
		if err := r.Process(ctx, ev.ID); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Str("node_id", ev.ID).Msg("retry dispatch failed")
		}
	}
}

// Process emits the retry event for one terminal node if it qualifies.
func (r *Spawner) Process(ctx context.Context, nodeID string) error {
	n, err := r.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if !RetryEligible(n) {
		return nil
	}
	return r.emit(ctx, n)
}

// ForceRetry emits a retry event regardless of the node's verdict.
// User-initiated retries come through here; the attempt cap still
// holds.
func (r *Spawner) ForceRetry(ctx context.Context, nodeID string) error {
	n, err := r.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Kind != types.KindKbuild && n.Kind != types.KindJob {
		return fmt.Errorf("%s nodes cannot be retried", n.Kind)
	}
	if !n.Terminal() {
		return fmt.Errorf("node %s is still %s", n.ID, n.State)
	}
	if n.Data.RetryCounter >= MaxRetries {
		return fmt.Errorf("node %s exhausted its %d attempts", n.ID, MaxRetries)
	}
	return r.emit(ctx, n)
}

func (r *Spawner) emit(ctx context.Context, n *types.Node) error {
	ancestorKind := types.KindCheckout
	if n.Kind == types.KindJob {
		ancestorKind = types.KindKbuild
	}
	anc, err := r.findAncestor(ctx, n, ancestorKind)
	if err != nil {
		return err
	}
	if anc == nil {
		return fmt.Errorf("no %s ancestor for %s", ancestorKind, n.ID)
	}

	ev := types.EventFromNode("updated", anc)
	ev.State = types.StateAvailable
	ev.Retry = n.Data.RetryCounter + 1
	if n.Kind == types.KindKbuild {
		// Cover the build and its variant builds.
		ev.JobFilter = []string{n.Name, n.Name + "+*"}
	} else {
		ev.JobFilter = []string{n.Name}
		ev.PlatformFilter = []string{n.Data.Platform}
	}

	if err := r.bus.Publish(ctx, r.topic, ev); err != nil {
		return fmt.Errorf("publishing retry for %s: %w", n.ID, err)
	}
	r.log.Info().
		Str("node_id", n.ID).
		Str("ancestor", anc.ID).
		Int("retry_counter", ev.Retry).
		Msg("retry scheduled")
	return nil
}

func (r *Spawner) findAncestor(ctx context.Context, n *types.Node, kind types.Kind) (*types.Node, error) {
	cur := n
	for cur.Parent != "" {
		parent, err := r.store.Get(ctx, cur.Parent)
		if err != nil {
			return nil, fmt.Errorf("walking ancestors of %s: %w", n.ID, err)
		}
		if parent.Kind == kind {
			return parent, nil
		}
		cur = parent
	}
	return nil, nil
}
