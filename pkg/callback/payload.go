package callback

import (
	"fmt"
	"strings"

	"github.com/kite-ci/kite/pkg/runtime"
	"github.com/kite-ci/kite/pkg/types"
)

// Payload is the completion report a lab posts for one external job.
// Results carry the suite/case hierarchy as the lab observed it.
type Payload struct {
	JobID     string               `json:"job_id"`
	Status    string               `json:"status"`
	Results   []runtime.TestResult `json:"results,omitempty"`
	Artifacts map[string]string    `json:"artifacts,omitempty"`
	ErrorCode string               `json:"error_code,omitempty"`
	ErrorMsg  string               `json:"error_msg,omitempty"`
}

// Validate rejects payloads the server cannot act on.
func (p *Payload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if _, err := p.verdict(); err != nil {
		return err
	}
	return nil
}

// verdict maps the lab's status vocabulary onto node results. LAVA
// reports "complete"/"incomplete"/"canceled"; other labs report the
// verdict directly.
func (p *Payload) verdict() (types.Result, error) {
	switch strings.ToLower(p.Status) {
	case "pass", "complete":
		return types.ResultPass, nil
	case "fail", "failed":
		return types.ResultFail, nil
	case "skip":
		return types.ResultSkip, nil
	case "incomplete", "canceled", "cancelled":
		return types.ResultIncomplete, nil
	}
	return "", fmt.Errorf("unknown status %q", p.Status)
}

// resultPayload converts the wire payload into the runtime result
// form shared with synchronous adapters.
func (p *Payload) resultPayload() *runtime.ResultPayload {
	verdict, _ := p.verdict()
	return &runtime.ResultPayload{
		Status:    verdict,
		Results:   p.Results,
		Artifacts: p.Artifacts,
		ErrorCode: p.ErrorCode,
		ErrorMsg:  p.ErrorMsg,
	}
}
