package result

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

type retryFixture struct {
	store    *store.Memory
	broker   *events.Broker
	spawner  *Spawner
	sub      events.Subscription
	checkout *types.Node
	kbuild   *types.Node
}

func newRetryFixture(t *testing.T) *retryFixture {
	t.Helper()
	mem := store.NewMemory()
	broker := events.NewBroker()
	sub, err := broker.Subscribe(context.Background(), "node")
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	checkout, err := mem.Create(context.Background(), &types.Node{
		Kind:  types.KindCheckout,
		Name:  "checkout",
		Path:  []string{"checkout"},
		State: types.StateAvailable,
		Data: types.NodeData{KernelRevision: &types.Revision{
			Tree: "mainline", Branch: "master", Commit: "abc123",
		}},
	})
	require.NoError(t, err)
	kbuild, err := mem.Create(context.Background(), &types.Node{
		Kind:   types.KindKbuild,
		Name:   "kbuild-gcc-12-arm64",
		Path:   checkout.ChildPath("kbuild-gcc-12-arm64"),
		Parent: checkout.ID,
		State:  types.StateRunning,
		Data: types.NodeData{
			KernelRevision: checkout.Data.KernelRevision,
			Arch:           "arm64",
		},
	})
	require.NoError(t, err)
	return &retryFixture{
		store:    mem,
		broker:   broker,
		spawner:  NewSpawner(mem, broker, "node"),
		sub:      sub,
		checkout: checkout,
		kbuild:   kbuild,
	}
}

func (f *retryFixture) finish(t *testing.T, n *types.Node, result types.Result, counter int) *types.Node {
	t.Helper()
	n.State = types.StateDone
	n.Result = result
	n.Data.RetryCounter = counter
	updated, err := f.store.Update(context.Background(), n, "")
	require.NoError(t, err)
	return updated
}

func (f *retryFixture) receive(t *testing.T) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := f.sub.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func TestSpawnerRetriesIncompleteKbuild(t *testing.T) {
	f := newRetryFixture(t)
	kbuild := f.finish(t, f.kbuild, types.ResultIncomplete, 0)

	require.NoError(t, f.spawner.Process(context.Background(), kbuild.ID))

	ev := f.receive(t)
	assert.Equal(t, f.checkout.ID, ev.ID)
	assert.Equal(t, types.StateAvailable, ev.State)
	assert.Equal(t, 1, ev.Retry)
	assert.Equal(t, []string{"kbuild-gcc-12-arm64", "kbuild-gcc-12-arm64+*"}, ev.JobFilter)
	assert.Empty(t, ev.PlatformFilter)
}

func TestSpawnerRetriesFailedBaseline(t *testing.T) {
	f := newRetryFixture(t)
	job, err := f.store.Create(context.Background(), &types.Node{
		Kind:   types.KindJob,
		Name:   "baseline-arm64",
		Path:   f.kbuild.ChildPath("baseline-arm64"),
		Parent: f.kbuild.ID,
		State:  types.StateRunning,
		Data: types.NodeData{
			KernelRevision: f.checkout.Data.KernelRevision,
			Platform:       "bcm2711-rpi-4-b",
		},
	})
	require.NoError(t, err)
	job = f.finish(t, job, types.ResultFail, 1)

	require.NoError(t, f.spawner.Process(context.Background(), job.ID))

	ev := f.receive(t)
	assert.Equal(t, f.kbuild.ID, ev.ID)
	assert.Equal(t, 2, ev.Retry)
	assert.Equal(t, []string{"baseline-arm64"}, ev.JobFilter)
	assert.Equal(t, []string{"bcm2711-rpi-4-b"}, ev.PlatformFilter)
}

func TestSpawnerRetriesFilteredSubtreeNodes(t *testing.T) {
	f := newRetryFixture(t)
	// Nodes under a filtered checkout inherit its jobfilter; that must
	// not disqualify their terminal events from retry handling.
	f.kbuild.JobFilter = []string{"kbuild-*"}
	kbuild := f.finish(t, f.kbuild, types.ResultIncomplete, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.spawner.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.broker.Publish(ctx, "node", types.EventFromNode("updated", kbuild)))

	// The fixture subscription sees the published terminal event
	// first, then the spawner's synthetic retry event.
	ev := f.receive(t)
	require.Equal(t, kbuild.ID, ev.ID)
	ev = f.receive(t)
	assert.Equal(t, f.checkout.ID, ev.ID)
	assert.Equal(t, types.StateAvailable, ev.State)
	assert.Equal(t, 1, ev.Retry)
}

func TestSpawnerStopsAtMaxRetries(t *testing.T) {
	f := newRetryFixture(t)
	kbuild := f.finish(t, f.kbuild, types.ResultIncomplete, MaxRetries)

	require.NoError(t, f.spawner.Process(context.Background(), kbuild.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.sub.Receive(ctx)
	assert.Error(t, err)
}

func TestSpawnerIgnoresPassingNodes(t *testing.T) {
	f := newRetryFixture(t)
	kbuild := f.finish(t, f.kbuild, types.ResultPass, 0)

	require.NoError(t, f.spawner.Process(context.Background(), kbuild.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.sub.Receive(ctx)
	assert.Error(t, err)
}
