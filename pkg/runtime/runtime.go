package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// Status is the coarse execution state of a submitted job as seen by
// the backend.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// ErrAsyncOnly is returned by Poll/Results on backends that deliver
// completion exclusively through the callback endpoint.
var ErrAsyncOnly = errors.New("runtime reports results asynchronously via callback")

// Handle identifies a submitted job within its backend.
type Handle struct {
	Runtime string `json:"runtime"`
	JobID   string `json:"job_id"`
	NodeID  string `json:"node_id"`
}

// TestResult is one entry of a structured result tree reported by a
// backend or a callback payload.
type TestResult struct {
	Name      string            `json:"name"`
	Kind      types.Kind        `json:"kind,omitempty"`
	Result    types.Result      `json:"result"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Children  []TestResult      `json:"children,omitempty"`
}

// ResultPayload is the complete outcome of an executed job.
type ResultPayload struct {
	Status    types.Result      `json:"status"`
	Results   []TestResult      `json:"results,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
}

// Runtime is the capability set every execution backend implements.
// Heterogeneous labs are modelled through this small interface, not
// through inheritance; a new backend is a new variant.
type Runtime interface {
	// Name is the configured runtime instance name.
	Name() string

	// LabType is one of the config.Runtime* constants.
	LabType() string

	// Submit hands a rendered job description to the backend and
	// returns a handle for tracking.
	Submit(ctx context.Context, job []byte, node *types.Node) (*Handle, error)

	// Poll reports the backend's view of the job. Asynchronous
	// backends return ErrAsyncOnly.
	Poll(ctx context.Context, h *Handle) (Status, error)

	// Cancel stops a submitted job if the backend supports it.
	Cancel(ctx context.Context, h *Handle) error

	// Results fetches the structured outcome of a completed job.
	// Asynchronous backends return ErrAsyncOnly.
	Results(ctx context.Context, h *Handle) (*ResultPayload, error)
}

// Options carries the cross-backend wiring adapters need.
type Options struct {
	// OutputDir is the scratch directory for shell and docker jobs.
	OutputDir string

	// CallbackURL is the externally reachable callback endpoint
	// embedded in LAVA job definitions.
	CallbackURL string

	// CallbackTokenName is the public description of the callback
	// token; the secret value stays in the lab's configuration.
	CallbackTokenName string

	// RuntimeToken authenticates submissions to the backend API.
	RuntimeToken string

	// Kubeconfig selects the kubeconfig file for kubernetes
	// runtimes. Empty means in-cluster configuration.
	Kubeconfig string
}

// New instantiates the adapter for one configured runtime.
func New(name string, cfg config.RuntimeConfig, opts Options) (Runtime, error) {
	switch cfg.LabType {
	case config.RuntimeShell:
		return NewShell(name, opts.OutputDir), nil
	case config.RuntimeDocker:
		return NewDocker(name, cfg.Image, opts.OutputDir), nil
	case config.RuntimeLAVA:
		return NewLAVA(name, cfg, opts), nil
	case config.RuntimeKubernetes:
		return NewKubernetes(name, cfg, opts.Kubeconfig)
	case config.RuntimePull:
		return NewPull(name), nil
	default:
		return nil, fmt.Errorf("unknown lab_type %q for runtime %s", cfg.LabType, name)
	}
}

// Pool bounds concurrent submissions per backend. The zero value is
// unusable; create with NewPool.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a pool of the given size; size <= 0 defaults to 4.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (p *Pool) Release() {
	<-p.sem
}
