package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kite-ci/kite/pkg/types"
)

func TestClientCreateAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/nodes":
			var n types.Node
			require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
			n.ID = "node-1"
			n.Created = time.Now().UTC()
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(&n)
		case r.Method == http.MethodGet && r.URL.Path == "/nodes/node-1":
			_ = json.NewEncoder(w).Encode(&types.Node{ID: "node-1", Kind: types.KindCheckout})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", time.Second)
	ctx := context.Background()

	created, err := c.Create(ctx, &types.Node{Kind: types.KindCheckout, Name: "checkout"})
	require.NoError(t, err)
	assert.Equal(t, "node-1", created.ID)

	got, err := c.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, types.KindCheckout, got.Kind)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientUpdatePrecondition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		if r.Header.Get("If-Match") != "running" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		var n types.Node
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		_ = json.NewEncoder(w).Encode(&n)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	ctx := context.Background()

	n := &types.Node{ID: "node-1", State: types.StateAvailable}
	updated, err := c.Update(ctx, n, types.StateRunning)
	require.NoError(t, err)
	assert.Equal(t, types.StateAvailable, updated.State)

	_, err = c.Update(ctx, n, types.StateAvailable)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClientListQueryEncoding(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]*types.Node{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	nodes, err := c.List(context.Background(), Query{
		"state":                     "done",
		"data.kernel_revision.tree": "mainline",
		"created__gt":               "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Equal(t, []string{"done"}, gotQuery["state"])
	assert.Equal(t, []string{"mainline"}, gotQuery["data.kernel_revision.tree"])
	assert.Equal(t, []string{"2026-01-01T00:00:00Z"}, gotQuery["created__gt"])
}
