package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/result"
	"github.com/kite-ci/kite/pkg/runtime"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

const (
	testRuntime = "lava-lab"
	testSecret  = "s3cret-token"
	jwtSecret   = "jwt-signing-key"
)

type serverFixture struct {
	store  *store.Memory
	broker *events.Broker
	ts     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	mem := store.NewMemory()
	broker := events.NewBroker()
	t.Cleanup(func() { broker.Close() })

	seen, err := OpenSeenStore(filepath.Join(t.TempDir(), "seen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { seen.Close() })

	secrets := &config.Secrets{
		Runtimes:  map[string]config.RuntimeSecret{testRuntime: {CallbackToken: testSecret}},
		JWTSecret: jwtSecret,
	}
	srv := NewServer(mem, result.NewSpawner(mem, broker, "node"), secrets, seen, Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{store: mem, broker: broker, ts: ts}
}

// seedJob creates a checkout with one running job node carrying the
// external lab handle.
func (f *serverFixture) seedJob(t *testing.T, jobID string) *types.Node {
	t.Helper()
	checkout, err := f.store.Create(context.Background(), &types.Node{
		Kind:  types.KindCheckout,
		Name:  "checkout",
		Path:  []string{"checkout"},
		State: types.StateAvailable,
		Data: types.NodeData{KernelRevision: &types.Revision{
			Tree: "mainline", Branch: "master", Commit: "abc123",
		}},
	})
	require.NoError(t, err)
	job, err := f.store.Create(context.Background(), &types.Node{
		Kind:   types.KindJob,
		Name:   "baseline-arm64",
		Path:   checkout.ChildPath("baseline-arm64"),
		Parent: checkout.ID,
		State:  types.StateRunning,
		Data: types.NodeData{
			KernelRevision: checkout.Data.KernelRevision,
			Platform:       "bcm2711-rpi-4-b",
			Runtime:        testRuntime,
			JobID:          jobID,
		},
	})
	require.NoError(t, err)
	return job
}

func (f *serverFixture) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func userToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func TestCallbackRejectsBadSecret(t *testing.T) {
	f := newServerFixture(t)
	f.seedJob(t, "lava-1001")

	resp := f.post(t, "/callback/"+testRuntime, "wrong-token", Payload{
		JobID: "lava-1001", Status: "complete",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallbackRejectsMalformedPayload(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, "lava-1001")

	resp := f.post(t, "/callback/"+testRuntime, testSecret, map[string]string{
		"job_id": "lava-1001", "status": "finished",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)
}

func TestCallbackIngestsResults(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, "lava-1001")

	resp := f.post(t, "/callback/"+testRuntime, testSecret, Payload{
		JobID:  "lava-1001",
		Status: "complete",
		Results: []runtime.TestResult{
			{Name: "boot", Result: types.ResultPass},
			{Name: "login", Result: types.ResultPass},
		},
		Artifacts: map[string]string{"lava_log": "https://lab/logs/1001"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAvailable, got.State)
	assert.Equal(t, "https://lab/logs/1001", got.Artifacts["lava_log"])

	children, err := f.store.List(context.Background(), store.Query{"parent": job.ID})
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, types.StateDone, c.State)
		assert.Equal(t, types.ResultPass, c.Result)
	}
}

func TestCallbackIsIdempotent(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, "lava-1001")

	payload := Payload{
		JobID:  "lava-1001",
		Status: "complete",
		Results: []runtime.TestResult{
			{Name: "boot", Result: types.ResultPass},
		},
	}
	resp := f.post(t, "/callback/"+testRuntime, testSecret, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.post(t, "/callback/"+testRuntime, testSecret, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	children, err := f.store.List(context.Background(), store.Query{"parent": job.ID})
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestCallbackUnknownJob(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/callback/"+testRuntime, testSecret, Payload{
		JobID: "lava-9999", Status: "complete",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckoutAPIRequiresToken(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/api/checkout", "", map[string]string{"commit": "abc123"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckoutAPICreatesNode(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/api/checkout", userToken(t, "alice"), checkoutRequest{
		Tree:      "mainline",
		URL:       "https://git.kernel.org/torvalds/linux.git",
		Branch:    "master",
		Commit:    "deadbeef",
		JobFilter: []string{"kbuild-gcc-12-arm64"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created types.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, types.KindCheckout, created.Kind)
	assert.Equal(t, types.StateRunning, created.State)
	assert.Equal(t, "alice", created.Owner)
	assert.Equal(t, []string{"kbuild-gcc-12-arm64"}, created.JobFilter)
	require.NotNil(t, created.Timeout)
}

func TestJobRetryAPI(t *testing.T) {
	f := newServerFixture(t)
	sub, err := f.broker.Subscribe(context.Background(), "node")
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	checkout := f.seedJob(t, "lava-1001").Parent
	kbuild, err := f.store.Create(context.Background(), &types.Node{
		Kind:   types.KindKbuild,
		Name:   "kbuild-gcc-12-arm64",
		Path:   []string{"checkout", "kbuild-gcc-12-arm64"},
		Parent: checkout,
		State:  types.StateDone,
		Result: types.ResultFail,
	})
	require.NoError(t, err)

	resp := f.post(t, "/api/jobretry", userToken(t, "alice"), map[string]string{"nodeid": kbuild.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkout, ev.ID)
	assert.Equal(t, 1, ev.Retry)
	assert.Equal(t, []string{"kbuild-gcc-12-arm64", "kbuild-gcc-12-arm64+*"}, ev.JobFilter)
}

func TestPatchsetAPI(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, "lava-1001")
	parent, err := f.store.Get(context.Background(), job.Parent)
	require.NoError(t, err)

	resp := f.post(t, "/api/patchset", userToken(t, "bob"), map[string]any{
		"nodeid":   parent.ID,
		"patchurl": []string{"https://lore.kernel.org/patch.mbox"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created types.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, types.KindProcess, created.Kind)
	assert.Equal(t, "patchset", created.Name)
	assert.Equal(t, "bob", created.Owner)
	assert.Equal(t, "https://lore.kernel.org/patch.mbox", created.Artifacts["patch-0"])
}
