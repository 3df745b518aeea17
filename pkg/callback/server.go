package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/result"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// Config tunes the callback server.
type Config struct {
	// Holdoff is the grace period applied when an ingested node turns
	// available.
	Holdoff time.Duration

	// CheckoutTimeout is the deadline for user-created checkouts.
	CheckoutTimeout time.Duration
}

// Server is the inbound HTTP surface of the pipeline: lab callbacks
// authenticated by per-runtime shared secrets, and user APIs
// authenticated by signed bearer tokens.
type Server struct {
	store   store.Store
	spawner *result.Spawner
	secrets *config.Secrets
	seen    *SeenStore
	cfg     Config
	log     zerolog.Logger
	mux     *http.ServeMux
}

// NewServer wires the routes.
func NewServer(s store.Store, spawner *result.Spawner, secrets *config.Secrets, seen *SeenStore, cfg Config) *Server {
	if cfg.Holdoff <= 0 {
		cfg.Holdoff = 30 * time.Second
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 12 * time.Hour
	}
	srv := &Server{
		store:   s,
		spawner: spawner,
		secrets: secrets,
		seen:    seen,
		cfg:     cfg,
		log:     log.WithService("callback"),
		mux:     http.NewServeMux(),
	}
	srv.mux.HandleFunc("POST /callback/{runtime}", srv.handleCallback)
	srv.mux.HandleFunc("POST /api/checkout", srv.userAPI(srv.handleCheckout))
	srv.mux.HandleFunc("POST /api/jobretry", srv.userAPI(srv.handleJobRetry))
	srv.mux.HandleFunc("POST /api/patchset", srv.userAPI(srv.handlePatchset))
	srv.mux.Handle("GET /metrics", metrics.Handler())
	srv.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return srv
}

// Handler returns the route table for serving or testing.
func (srv *Server) Handler() http.Handler {
	return srv.mux
}

// Start serves until ctx is cancelled, then drains with a bounded
// grace period.
func (srv *Server) Start(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		srv.log.Info().Str("addr", addr).Msg("callback server listening")
		errCh <- httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// userAPI authenticates the bearer token and threads the subject
// through the request context.
func (srv *Server) userAPI(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := authorizeUser(srv.secrets.JWTSecret, r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	}
}

func (srv *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	runtimeName := r.PathValue("runtime")
	if !authorizeRuntime(srv.secrets, runtimeName, r.Header.Get("Authorization")) {
		metrics.CallbackRequests.WithLabelValues(runtimeName, "unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload Payload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		metrics.CallbackRequests.WithLabelValues(runtimeName, "malformed").Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	if err := payload.Validate(); err != nil {
		metrics.CallbackRequests.WithLabelValues(runtimeName, "malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := runtimeName + ":" + payload.JobID
	if seen, err := srv.seen.Seen(key); err != nil {
		writeError(w, http.StatusInternalServerError, "idempotency check failed")
		return
	} else if seen {
		metrics.CallbackRequests.WithLabelValues(runtimeName, "duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "already processed"})
		return
	}

	node, err := srv.locateNode(r, runtimeName, payload.JobID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.CallbackRequests.WithLabelValues(runtimeName, "unknown_job").Inc()
		writeError(w, http.StatusNotFound, "no node for job "+payload.JobID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "node lookup failed")
		return
	}

	if node.State != types.StateRunning {
		// A reconciler or earlier delivery got there first.
		_ = srv.seen.Mark(key, node.ID)
		metrics.CallbackRequests.WithLabelValues(runtimeName, "stale").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "node already settled", "node_id": node.ID})
		return
	}

	updated, err := result.Ingest(r.Context(), srv.store, node, payload.resultPayload(), srv.cfg.Holdoff)
	if err != nil {
		srv.log.Error().Err(err).Str("node_id", node.ID).Msg("callback ingest failed")
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	if err := srv.seen.Mark(key, updated.ID); err != nil {
		srv.log.Error().Err(err).Str("key", key).Msg("recording callback key failed")
	}
	metrics.CallbackRequests.WithLabelValues(runtimeName, "ok").Inc()
	srv.log.Info().
		Str("runtime", runtimeName).
		Str("job_id", payload.JobID).
		Str("node_id", updated.ID).
		Str("result", string(updated.Result)).
		Msg("callback processed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": updated.ID})
}

// locateNode resolves the target node from the ?node query parameter
// embedded in the job's callback URL, falling back to the recorded
// external job id.
func (srv *Server) locateNode(r *http.Request, runtimeName, jobID string) (*types.Node, error) {
	if nodeID := r.URL.Query().Get("node"); nodeID != "" {
		return srv.store.Get(r.Context(), nodeID)
	}
	nodes, err := srv.store.List(r.Context(), store.Query{
		"data.job_id":  jobID,
		"data.runtime": runtimeName,
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, store.ErrNotFound
	}
	return nodes[0], nil
}

type checkoutRequest struct {
	NodeID    string   `json:"nodeid,omitempty"`
	Tree      string   `json:"tree,omitempty"`
	URL       string   `json:"url,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Commit    string   `json:"commit"`
	JobFilter []string `json:"jobfilter,omitempty"`
}

func (srv *Server) handleCheckout(w http.ResponseWriter, r *http.Request, user string) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Commit == "" {
		writeError(w, http.StatusBadRequest, "commit is required")
		return
	}

	node := &types.Node{
		Kind:      types.KindCheckout,
		Name:      "checkout",
		Path:      []string{"checkout"},
		State:     types.StateRunning,
		JobFilter: req.JobFilter,
		Owner:     user,
		Submitter: user,
		Data: types.NodeData{KernelRevision: &types.Revision{
			Tree:   req.Tree,
			URL:    req.URL,
			Branch: req.Branch,
			Commit: req.Commit,
		}},
	}
	if req.NodeID != "" {
		parent, err := srv.store.Get(r.Context(), req.NodeID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown node "+req.NodeID)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "node lookup failed")
			return
		}
		node.Parent = parent.ID
		node.Path = parent.ChildPath("checkout")
		if rev := parent.Data.KernelRevision; rev != nil {
			if node.Data.KernelRevision.Tree == "" {
				node.Data.KernelRevision.Tree = rev.Tree
			}
			if node.Data.KernelRevision.URL == "" {
				node.Data.KernelRevision.URL = rev.URL
			}
			if node.Data.KernelRevision.Branch == "" {
				node.Data.KernelRevision.Branch = rev.Branch
			}
		}
	}
	deadline := time.Now().Add(srv.cfg.CheckoutTimeout)
	node.Timeout = &deadline
	node.TreeID = node.Data.KernelRevision.TreeID()

	created, err := srv.store.Create(r.Context(), node)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	metrics.NodesCreated.WithLabelValues(string(types.KindCheckout)).Inc()
	srv.log.Info().Str("node_id", created.ID).Str("user", user).Msg("user checkout created")
	writeJSON(w, http.StatusCreated, created)
}

func (srv *Server) handleJobRetry(w http.ResponseWriter, r *http.Request, user string) {
	var req struct {
		NodeID string `json:"nodeid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "nodeid is required")
		return
	}
	err := srv.spawner.ForceRetry(r.Context(), req.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown node "+req.NodeID)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	srv.log.Info().Str("node_id", req.NodeID).Str("user", user).Msg("user retry submitted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "retry submitted"})
}

func (srv *Server) handlePatchset(w http.ResponseWriter, r *http.Request, user string) {
	var req struct {
		NodeID    string   `json:"nodeid"`
		PatchURLs []string `json:"patchurl"`
		JobFilter []string `json:"jobfilter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || len(req.PatchURLs) == 0 {
		writeError(w, http.StatusBadRequest, "nodeid and patchurl are required")
		return
	}
	parent, err := srv.store.Get(r.Context(), req.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown node "+req.NodeID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "node lookup failed")
		return
	}

	artifacts := make(map[string]string, len(req.PatchURLs))
	for i, u := range req.PatchURLs {
		artifacts[fmt.Sprintf("patch-%d", i)] = u
	}
	deadline := time.Now().Add(srv.cfg.CheckoutTimeout)
	node, err := srv.store.Create(r.Context(), &types.Node{
		Kind:      types.KindProcess,
		Name:      "patchset",
		Path:      parent.ChildPath("patchset"),
		Parent:    parent.ID,
		State:     types.StateRunning,
		Timeout:   &deadline,
		JobFilter: req.JobFilter,
		Artifacts: artifacts,
		Owner:     user,
		Submitter: user,
		Data:      types.NodeData{KernelRevision: parent.Data.KernelRevision},
		TreeID:    parent.TreeID,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	metrics.NodesCreated.WithLabelValues(string(types.KindProcess)).Inc()
	srv.log.Info().Str("node_id", node.ID).Str("user", user).Msg("patchset created")
	writeJSON(w, http.StatusCreated, node)
}
