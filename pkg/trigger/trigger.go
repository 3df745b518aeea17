package trigger

import (
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// HeadResolver looks up the current commit of a remote branch.
type HeadResolver func(ctx context.Context, url, branch string) (string, error)

// GitRemoteHead resolves the branch head with git ls-remote.
func GitRemoteHead(ctx context.Context, url, branch string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "ls-remote", url, "refs/heads/"+branch).Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote %s %s: %w", url, branch, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("git ls-remote %s: branch %s not found", url, branch)
	}
	return fields[0], nil
}

// Config tunes the polling loop.
type Config struct {
	// Interval between polling cycles.
	Interval time.Duration

	// Frequency is the default minimum spacing between checkouts of
	// the same build config; per-config frequency overrides it.
	Frequency time.Duration

	// Timeout is the deadline stamped on new checkout nodes.
	Timeout time.Duration

	// Force creates a checkout even when the head commit already has
	// one or the frequency window is still open.
	Force bool

	// BuildConfigs restricts polling to the named configs.
	BuildConfigs []string

	// Trees restricts polling to configs of the named trees.
	Trees []string
}

// Trigger polls the watched trees and roots a new checkout node for
// every fresh revision. It is the only service that creates nodes
// without a parent.
type Trigger struct {
	store    store.Store
	settings *config.Settings
	cfg      Config
	resolve  HeadResolver
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New creates a trigger service.
func New(s store.Store, settings *config.Settings, cfg Config) *Trigger {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 8 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Hour
	}
	return &Trigger{
		store:    s,
		settings: settings,
		cfg:      cfg,
		resolve:  GitRemoteHead,
		// Upstream git servers throttle aggressive ls-remote callers.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log.WithService("trigger"),
	}
}

// Run polls until ctx is cancelled. Force combined with an explicit
// build config selection runs a single cycle, which is how one-shot
// manual triggers work.
func (t *Trigger) Run(ctx context.Context) error {
	t.Cycle(ctx)
	if t.cfg.Force && len(t.cfg.BuildConfigs) > 0 {
		return nil
	}
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Cycle(ctx)
		}
	}
}

// Cycle runs one pass over the watched build configs.
func (t *Trigger) Cycle(ctx context.Context) {
	for name, bc := range t.settings.BuildConfigs {
		if !t.watched(name, bc) {
			continue
		}
		if err := t.poll(ctx, name, bc); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Error().Err(err).Str("build_config", name).Msg("poll failed")
		}
	}
}

func (t *Trigger) watched(name string, bc config.BuildConfig) bool {
	if len(t.cfg.BuildConfigs) > 0 && !slices.Contains(t.cfg.BuildConfigs, name) {
		return false
	}
	if len(t.cfg.Trees) > 0 && !slices.Contains(t.cfg.Trees, bc.Tree) {
		return false
	}
	return true
}

func (t *Trigger) poll(ctx context.Context, name string, bc config.BuildConfig) error {
	tree, ok := t.settings.Trees[bc.Tree]
	if !ok {
		return fmt.Errorf("unknown tree %q", bc.Tree)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	commit, err := t.resolve(ctx, tree.URL, bc.Branch)
	if err != nil {
		return err
	}

	rev := types.Revision{
		Tree:   bc.Tree,
		URL:    tree.URL,
		Branch: bc.Branch,
		Commit: commit,
	}
	if !t.cfg.Force {
		skip, reason, err := t.shouldSkip(ctx, bc, rev)
		if err != nil {
			return err
		}
		if skip {
			t.log.Debug().Str("build_config", name).Str("commit", commit).Msg(reason)
			return nil
		}
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	node := &types.Node{
		Kind:    types.KindCheckout,
		Name:    "checkout",
		Path:    []string{"checkout"},
		State:   types.StateRunning,
		Timeout: &deadline,
		TreeID:  rev.TreeID(),
		Data:    types.NodeData{KernelRevision: &rev},
	}
	created, err := t.store.Create(ctx, node)
	if err != nil {
		return fmt.Errorf("creating checkout for %s: %w", name, err)
	}
	metrics.NodesCreated.WithLabelValues(string(types.KindCheckout)).Inc()
	t.log.Info().
		Str("build_config", name).
		Str("node_id", created.ID).
		Str("commit", commit).
		Msg("new checkout")
	return nil
}

// shouldSkip applies duplicate suppression and the frequency gate
// against the most recent checkout of the same tree and branch.
func (t *Trigger) shouldSkip(ctx context.Context, bc config.BuildConfig, rev types.Revision) (bool, string, error) {
	nodes, err := t.store.List(ctx, store.Query{
		"kind":                        string(types.KindCheckout),
		"data.kernel_revision.tree":   rev.Tree,
		"data.kernel_revision.branch": rev.Branch,
	})
	if err != nil {
		return false, "", fmt.Errorf("listing checkouts: %w", err)
	}

	var latest *types.Node
	for _, n := range nodes {
		if n.TreeID == rev.TreeID() {
			return true, "commit already has a checkout", nil
		}
		if latest == nil || n.Created.After(latest.Created) {
			latest = n
		}
	}
	if latest == nil {
		return false, "", nil
	}

	freq := t.cfg.Frequency
	if bc.Frequency != "" {
		freq, err = config.ParseFrequency(bc.Frequency)
		if err != nil {
			return false, "", err
		}
	}
	if time.Since(latest.Created) < freq {
		return true, "frequency window still open", nil
	}
	return false, "", nil
}
