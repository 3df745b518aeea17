package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// LAVA submits YAML job definitions to a LAVA lab. Completion is
// never polled: the submitted definition carries a notify stanza
// pointing at the callback endpoint, and the lab posts results there
// when the job finishes.
type LAVA struct {
	name string
	http *resty.Client

	callbackURL       string
	callbackTokenName string
}

// NewLAVA creates a LAVA adapter for the lab at cfg.URL.
func NewLAVA(name string, cfg config.RuntimeConfig, opts Options) *LAVA {
	c := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(60*time.Second).
		SetHeader("Content-Type", "application/yaml")
	if opts.RuntimeToken != "" {
		c.SetHeader("Authorization", "Token "+opts.RuntimeToken)
	}
	return &LAVA{
		name:              name,
		http:              c,
		callbackURL:       opts.CallbackURL,
		callbackTokenName: opts.CallbackTokenName,
	}
}

// Name implements Runtime.
func (l *LAVA) Name() string { return l.name }

// LabType implements Runtime.
func (l *LAVA) LabType() string { return config.RuntimeLAVA }

// CallbackStanza returns the notify block templates interpolate into
// the job definition: the target URL for this node and the public
// token description. The token value itself never leaves the secrets
// file.
func (l *LAVA) CallbackStanza(node *types.Node) map[string]string {
	return map[string]string{
		"callback_url":   fmt.Sprintf("%s/callback/%s?node=%s", l.callbackURL, l.name, node.ID),
		"callback_token": l.callbackTokenName,
	}
}

// Submit implements Runtime.
func (l *LAVA) Submit(ctx context.Context, job []byte, node *types.Node) (*Handle, error) {
	var result struct {
		JobIDs []int `json:"job_ids"`
	}
	resp, err := l.http.R().
		SetContext(ctx).
		SetBody(job).
		SetResult(&result).
		Post("/api/v0.2/jobs/")
	if err != nil {
		return nil, fmt.Errorf("submitting to %s: %w", l.name, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("submitting to %s: unexpected status %d: %s",
			l.name, resp.StatusCode(), resp.String())
	}
	if len(result.JobIDs) == 0 {
		return nil, fmt.Errorf("submitting to %s: no job id returned", l.name)
	}
	return &Handle{
		Runtime: l.name,
		JobID:   strconv.Itoa(result.JobIDs[0]),
		NodeID:  node.ID,
	}, nil
}

// Poll implements Runtime.
func (l *LAVA) Poll(context.Context, *Handle) (Status, error) {
	return StatusSubmitted, ErrAsyncOnly
}

// Cancel implements Runtime.
func (l *LAVA) Cancel(ctx context.Context, h *Handle) error {
	resp, err := l.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/api/v0.2/jobs/%s/cancel/", h.JobID))
	if err != nil {
		return fmt.Errorf("cancelling %s on %s: %w", h.JobID, l.name, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("cancelling %s on %s: unexpected status %d",
			h.JobID, l.name, resp.StatusCode())
	}
	return nil
}

// Results implements Runtime.
func (l *LAVA) Results(context.Context, *Handle) (*ResultPayload, error) {
	return nil, ErrAsyncOnly
}
