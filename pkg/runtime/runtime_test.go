package runtime

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

func testNode() *types.Node {
	return &types.Node{ID: "node-1", Kind: types.KindJob, Name: "baseline-x86"}
}

func waitDone(t *testing.T, rt Runtime, h *Handle) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := rt.Poll(context.Background(), h)
		require.NoError(t, err)
		if status == StatusSucceeded || status == StatusFailed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
}

func TestShellRunsJob(t *testing.T) {
	sh := NewShell("shell", t.TempDir())
	h, err := sh.Submit(context.Background(), []byte("echo hello\n"), testNode())
	require.NoError(t, err)
	assert.Equal(t, "shell", h.Runtime)
	assert.Equal(t, "node-1", h.NodeID)

	waitDone(t, sh, h)
	payload, err := sh.Results(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.ResultPass, payload.Status)
	assert.Empty(t, payload.ErrorCode)

	log, err := os.ReadFile(payload.Artifacts["log"])
	require.NoError(t, err)
	assert.Contains(t, string(log), "hello")
}

func TestShellReportsExitCode(t *testing.T) {
	sh := NewShell("shell", t.TempDir())
	h, err := sh.Submit(context.Background(), []byte("exit 3\n"), testNode())
	require.NoError(t, err)

	waitDone(t, sh, h)
	payload, err := sh.Results(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.ResultFail, payload.Status)
	assert.Equal(t, "exit_3", payload.ErrorCode)
}

func TestShellResultsConsumesJob(t *testing.T) {
	sh := NewShell("shell", t.TempDir())
	h, err := sh.Submit(context.Background(), []byte("true\n"), testNode())
	require.NoError(t, err)

	waitDone(t, sh, h)
	_, err = sh.Results(context.Background(), h)
	require.NoError(t, err)
	_, err = sh.Results(context.Background(), h)
	assert.Error(t, err)
}

func TestShellCancel(t *testing.T) {
	sh := NewShell("shell", t.TempDir())
	h, err := sh.Submit(context.Background(), []byte("sleep 30\n"), testNode())
	require.NoError(t, err)

	require.NoError(t, sh.Cancel(context.Background(), h))
	waitDone(t, sh, h)
	payload, err := sh.Results(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.ResultFail, payload.Status)
}

func TestPullAdapter(t *testing.T) {
	p := NewPull("lab-pull")
	h, err := p.Submit(context.Background(), nil, testNode())
	require.NoError(t, err)
	assert.Equal(t, "node-1", h.JobID)

	_, err = p.Poll(context.Background(), h)
	assert.True(t, errors.Is(err, ErrAsyncOnly))
	_, err = p.Results(context.Background(), h)
	assert.True(t, errors.Is(err, ErrAsyncOnly))
	assert.NoError(t, p.Cancel(context.Background(), h))
}

func TestNewSelectsAdapter(t *testing.T) {
	opts := Options{OutputDir: t.TempDir()}

	rt, err := New("local", config.RuntimeConfig{LabType: config.RuntimeShell}, opts)
	require.NoError(t, err)
	assert.Equal(t, config.RuntimeShell, rt.LabType())

	rt, err = New("lab", config.RuntimeConfig{LabType: config.RuntimeLAVA, URL: "https://lava.example.org"}, opts)
	require.NoError(t, err)
	assert.Equal(t, config.RuntimeLAVA, rt.LabType())

	_, err = New("bad", config.RuntimeConfig{LabType: "vax"}, opts)
	assert.Error(t, err)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Acquire(context.Background()))
	require.NoError(t, pool.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, pool.Acquire(ctx))

	pool.Release()
	require.NoError(t, pool.Acquire(context.Background()))
}
