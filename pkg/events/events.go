package events

import (
	"context"
	"errors"

	"github.com/kite-ci/kite/pkg/types"
)

// ErrClosed is returned by Receive after the subscription or bus has
// been shut down.
var ErrClosed = errors.New("event bus closed")

// Subscription is one subscriber's view of a topic. Delivery is
// in-order per topic for a given subscription; ordering across
// subscriptions is not guaranteed.
type Subscription interface {
	// Receive blocks for the next event or until ctx is done.
	Receive(ctx context.Context) (types.Event, error)

	// Close releases the subscription.
	Close() error
}

// Bus is the topic-based pub/sub transport shared by all services.
// The engine uses a single "node" topic; services that need finer
// routing filter on the event payload.
type Bus interface {
	Publish(ctx context.Context, topic string, ev types.Event) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Matches reports whether ev satisfies the filter fields. Empty
// filter fields match anything; this mirrors the scheduler's event
// pattern semantics.
func Matches(ev types.Event, kind types.Kind, name string, state types.State, result types.Result) bool {
	if kind != "" && ev.Kind != kind {
		return false
	}
	if name != "" && ev.Name != name {
		return false
	}
	if state != "" && ev.State != state {
		return false
	}
	if result != "" && ev.Result != result {
		return false
	}
	return true
}
