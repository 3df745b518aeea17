package forwarder

import (
	"strings"
	"time"

	"github.com/kite-ci/kite/pkg/types"
)

// Report is the batched submission document of the downstream sink.
// Entries are keyed by origin-prefixed node ids so redelivery is
// deduplicated on the receiving side.
type Report struct {
	Version   Version    `json:"version"`
	Checkouts []Checkout `json:"checkouts"`
	Builds    []Build    `json:"builds"`
	Tests     []Test     `json:"tests"`
	Issues    []Issue    `json:"issues"`
	Incidents []Incident `json:"incidents"`
}

// Version is the sink schema version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Checkout is one source revision record.
type Checkout struct {
	ID         string            `json:"id"`
	Origin     string            `json:"origin"`
	TreeName   string            `json:"tree_name,omitempty"`
	GitURL     string            `json:"git_repository_url,omitempty"`
	GitBranch  string            `json:"git_repository_branch,omitempty"`
	GitCommit  string            `json:"git_commit_hash,omitempty"`
	PatchsetID string            `json:"patchset_hash"`
	StartTime  time.Time         `json:"start_time"`
	Valid      bool              `json:"valid"`
	Misc       map[string]string `json:"misc,omitempty"`
}

// Build is one kernel build record.
type Build struct {
	ID           string            `json:"id"`
	Origin       string            `json:"origin"`
	CheckoutID   string            `json:"checkout_id"`
	Architecture string            `json:"architecture,omitempty"`
	Compiler     string            `json:"compiler,omitempty"`
	ConfigName   string            `json:"config_name,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	Valid        bool              `json:"valid"`
	LogURL       string            `json:"log_url,omitempty"`
	Misc         map[string]string `json:"misc,omitempty"`
}

// Test is one executed suite or case record.
type Test struct {
	ID        string            `json:"id"`
	Origin    string            `json:"origin"`
	BuildID   string            `json:"build_id"`
	Path      string            `json:"path"`
	Status    string            `json:"status"`
	StartTime time.Time         `json:"start_time"`
	LogURL    string            `json:"log_url,omitempty"`
	Misc      map[string]string `json:"misc,omitempty"`
}

// Issue is a known failure signature derived from a failed node.
type Issue struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"`
	Version int    `json:"version"`
	Report  string `json:"report_url,omitempty"`
	Comment string `json:"comment,omitempty"`
	Culprit string `json:"culprit_code,omitempty"`
	Misc    any    `json:"misc,omitempty"`
}

// Incident links a failed build or test to an issue.
type Incident struct {
	ID           string `json:"id"`
	Origin       string `json:"origin"`
	IssueID      string `json:"issue_id"`
	IssueVersion int    `json:"issue_version"`
	BuildID      string `json:"build_id,omitempty"`
	TestID       string `json:"test_id,omitempty"`
	Present      bool   `json:"present"`
}

// schemaVersion pins the sink document version.
var schemaVersion = Version{Major: 4, Minor: 3}

// sinkStatus maps node results onto the sink's status vocabulary.
func sinkStatus(r types.Result) string {
	switch r {
	case types.ResultPass:
		return "PASS"
	case types.ResultFail:
		return "FAIL"
	case types.ResultSkip:
		return "SKIP"
	}
	return "ERROR"
}

func testPath(n *types.Node) string {
	return strings.Join(n.Path, ".")
}
