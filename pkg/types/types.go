package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a node within the work graph.
type Kind string

const (
	KindCheckout   Kind = "checkout"
	KindKbuild     Kind = "kbuild"
	KindJob        Kind = "job"
	KindTest       Kind = "test"
	KindProcess    Kind = "process"
	KindRegression Kind = "regression"
)

// State is the lifecycle state of a node. States only ever advance
// running -> available -> closing -> done, or running -> done directly.
type State string

const (
	StateRunning   State = "running"
	StateAvailable State = "available"
	StateClosing   State = "closing"
	StateDone      State = "done"
)

// CanTransition reports whether moving from s to next is a legal
// lifecycle advance. Identity transitions are allowed so that
// idempotent re-submissions are not rejected.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	switch s {
	case StateRunning:
		return next == StateAvailable || next == StateClosing || next == StateDone
	case StateAvailable:
		return next == StateClosing || next == StateDone
	case StateClosing:
		return next == StateDone
	}
	return false
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool { return s == StateDone }

// Result is the verdict of a completed node. The empty string stands
// for "not yet decided".
type Result string

const (
	ResultNone       Result = ""
	ResultPass       Result = "pass"
	ResultFail       Result = "fail"
	ResultSkip       Result = "skip"
	ResultIncomplete Result = "incomplete"
)

// Valid reports whether r is one of the terminal verdicts.
func (r Result) Valid() bool {
	switch r {
	case ResultPass, ResultFail, ResultSkip, ResultIncomplete:
		return true
	}
	return false
}

// Revision identifies a kernel source revision under test.
type Revision struct {
	Tree     string `json:"tree" yaml:"tree"`
	URL      string `json:"url" yaml:"url"`
	Branch   string `json:"branch" yaml:"branch"`
	Commit   string `json:"commit" yaml:"commit"`
	Describe string `json:"describe,omitempty" yaml:"describe,omitempty"`
}

// TreeID returns a stable fingerprint for the (tree, branch, commit)
// triple, used by the trigger for duplicate suppression.
func (r Revision) TreeID() string {
	return strings.Join([]string{r.Tree, r.Branch, r.Commit}, ":")
}

// NodeData carries the structured attributes of a node. Which fields
// are populated depends on the node kind.
type NodeData struct {
	KernelRevision *Revision `json:"kernel_revision,omitempty"`

	// Build attributes (kbuild).
	Arch       string   `json:"arch,omitempty"`
	Compiler   string   `json:"compiler,omitempty"`
	Defconfig  string   `json:"defconfig,omitempty"`
	ConfigFull string   `json:"config_full,omitempty"`
	Fragments  []string `json:"fragments,omitempty"`

	// Execution attributes (job/test).
	Platform string `json:"platform,omitempty"`
	Device   string `json:"device,omitempty"`
	Runtime  string `json:"runtime,omitempty"`

	// External job handle recorded by runtime adapters so that
	// asynchronous callbacks can locate the node.
	JobID      string `json:"job_id,omitempty"`
	JobContext string `json:"job_context,omitempty"`

	// Failure diagnostics.
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	// Regression cross-links: a regression node records the failing
	// and last-passing node ids; a failed node records the regression.
	FailNode   string `json:"fail_node,omitempty"`
	PassNode   string `json:"pass_node,omitempty"`
	Regression string `json:"regression,omitempty"`

	RetryCounter         int  `json:"retry_counter,omitempty"`
	ProcessedByReporting bool `json:"processed_by_reporting,omitempty"`
}

// Node is the sole persistent entity of the pipeline: one vertex of
// the checkout -> kbuild -> job -> test work graph. All authoritative
// state lives in the state store; services exchange nodes by value.
type Node struct {
	ID        string            `json:"id,omitempty"`
	Kind      Kind              `json:"kind"`
	Name      string            `json:"name"`
	Path      []string          `json:"path"`
	Group     string            `json:"group,omitempty"`
	Parent    string            `json:"parent,omitempty"`
	State     State             `json:"state"`
	Result    Result            `json:"result,omitempty"`
	Data      NodeData          `json:"data"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	Created time.Time  `json:"created"`
	Updated time.Time  `json:"updated"`
	Timeout *time.Time `json:"timeout,omitempty"`
	Holdoff *time.Time `json:"holdoff,omitempty"`

	// JobFilter restricts which job names the scheduler may spawn
	// beneath this node. Empty means all eligible jobs.
	JobFilter      []string `json:"jobfilter,omitempty"`
	PlatformFilter []string `json:"platform_filter,omitempty"`

	Owner      string   `json:"owner,omitempty"`
	Submitter  string   `json:"submitter,omitempty"`
	UserGroups []string `json:"user_groups,omitempty"`
	TreeID     string   `json:"treeid,omitempty"`
}

// ChildPath returns the path a child named name would carry.
func (n *Node) ChildPath(name string) []string {
	p := make([]string, 0, len(n.Path)+1)
	p = append(p, n.Path...)
	return append(p, name)
}

// AcceptsChildren reports whether new children may be attached.
// Closing and done parents reject children.
func (n *Node) AcceptsChildren() bool {
	return n.State == StateRunning || n.State == StateAvailable
}

// Terminal reports whether the node is done with a decided result.
func (n *Node) Terminal() bool {
	return n.State == StateDone && n.Result.Valid()
}

// TimedOut reports whether the node's deadline has passed at now.
func (n *Node) TimedOut(now time.Time) bool {
	return n.Timeout != nil && !now.Before(*n.Timeout)
}

// HoldoffElapsed reports whether the holdoff grace period is over.
func (n *Node) HoldoffElapsed(now time.Time) bool {
	return n.Holdoff != nil && !now.Before(*n.Holdoff)
}

func (n *Node) String() string {
	return fmt.Sprintf("%s/%s[%s]", n.Kind, strings.Join(n.Path, "."), n.State)
}

// Event is the payload published on the node topic for every node
// creation or update. It carries just enough for subscribers to route
// without a store round-trip.
type Event struct {
	Op             string   `json:"op"` // "created" or "updated"
	ID             string   `json:"id"`
	Kind           Kind     `json:"kind"`
	Name           string   `json:"name"`
	State          State    `json:"state"`
	Result         Result   `json:"result,omitempty"`
	Parent         string   `json:"parent,omitempty"`
	Group          string   `json:"group,omitempty"`
	Tree           string   `json:"tree,omitempty"`
	Branch         string   `json:"branch,omitempty"`
	Channel        string   `json:"channel,omitempty"`
	Retry          int      `json:"retry_counter,omitempty"`
	JobFilter      []string `json:"jobfilter,omitempty"`
	PlatformFilter []string `json:"platform_filter,omitempty"`
}

// EventFromNode builds the bus payload for a node under op.
func EventFromNode(op string, n *Node) Event {
	ev := Event{
		Op:             op,
		ID:             n.ID,
		Kind:           n.Kind,
		Name:           n.Name,
		State:          n.State,
		Result:         n.Result,
		Parent:         n.Parent,
		Group:          n.Group,
		Retry:          n.Data.RetryCounter,
		JobFilter:      n.JobFilter,
		PlatformFilter: n.PlatformFilter,
	}
	if rev := n.Data.KernelRevision; rev != nil {
		ev.Tree = rev.Tree
		ev.Branch = rev.Branch
	}
	return ev
}
