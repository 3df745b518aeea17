package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/result"
	"github.com/kite-ci/kite/pkg/runtime"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/template"
	"github.com/kite-ci/kite/pkg/types"
)

// Config tunes the scheduler service.
type Config struct {
	// Topic is the node event topic.
	Topic string

	// JobTimeout is the default deadline for spawned nodes when the
	// job definition does not set one.
	JobTimeout time.Duration

	// Holdoff is the grace period applied when a synchronous runtime
	// finishes and the node turns available.
	Holdoff time.Duration

	// PollInterval paces completion polling of synchronous runtimes.
	PollInterval time.Duration
}

// Scheduler matches node events against the catalog, creates child
// nodes and dispatches them into the runtime adapters.
type Scheduler struct {
	store    store.Store
	bus      events.Bus
	settings *config.Settings
	renderer template.Renderer
	runtimes map[string]runtime.Runtime
	pools    map[string]*runtime.Pool
	cfg      Config
	log      zerolog.Logger
}

// New creates a scheduler over the given runtime adapters. Each
// adapter gets its own submission pool sized from the catalog.
func New(s store.Store, bus events.Bus, settings *config.Settings, renderer template.Renderer,
	runtimes map[string]runtime.Runtime, cfg Config) *Scheduler {
	if cfg.Topic == "" {
		cfg.Topic = "node"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 6 * time.Hour
	}
	if cfg.Holdoff <= 0 {
		cfg.Holdoff = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	pools := make(map[string]*runtime.Pool, len(runtimes))
	for name := range runtimes {
		pools[name] = runtime.NewPool(settings.Runtimes[name].PoolSize)
	}
	return &Scheduler{
		store:    s,
		bus:      bus,
		settings: settings,
		renderer: renderer,
		runtimes: runtimes,
		pools:    pools,
		cfg:      cfg,
		log:      log.WithService("scheduler"),
	}
}

// Run consumes node events until ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) error {
	sub, err := sc.bus.Subscribe(ctx, sc.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", sc.cfg.Topic, err)
	}
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		metrics.EventsHandled.WithLabelValues("scheduler").Inc()
		wg.Add(1)
		go func(ev types.Event) {
			defer wg.Done()
			sc.HandleEvent(ctx, ev)
		}(ev)
	}
}

// HandleEvent evaluates every catalog entry against one event.
func (sc *Scheduler) HandleEvent(ctx context.Context, ev types.Event) {
	for _, entry := range sc.settings.Scheduler {
		if entry.Event.Channel != sc.cfg.Topic {
			continue
		}
		if !events.Matches(ev, entry.Event.Kind, entry.Event.Name, entry.Event.State, entry.Event.Result) {
			continue
		}
		if err := sc.schedule(ctx, entry, ev); err != nil && ctx.Err() == nil {
			sc.log.Error().Err(err).
				Str("job", entry.Job).
				Str("origin", ev.ID).
				Msg("scheduling failed")
		}
	}
}

func matchesAnyPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (sc *Scheduler) schedule(ctx context.Context, entry config.SchedulerEntry, ev types.Event) error {
	origin, err := sc.store.Get(ctx, ev.ID)
	if err != nil {
		return err
	}
	if !origin.AcceptsChildren() {
		return nil
	}
	job := sc.settings.Jobs[entry.Job]

	jobFilter := ev.JobFilter
	if len(jobFilter) == 0 {
		jobFilter = origin.JobFilter
	}
	if len(jobFilter) > 0 && !matchesAnyPattern(jobFilter, entry.Job) {
		return nil
	}
	if job.Kind == types.KindKbuild && !sc.variantAllowed(entry.Job, origin) {
		return nil
	}
	if !rulesMatch(job.Rules, origin) {
		return nil
	}
	if job.Rules.Frequency != "" {
		open, err := sc.frequencyOpen(ctx, entry.Job, origin, job.Rules.Frequency)
		if err != nil {
			return err
		}
		if !open {
			return nil
		}
	}

	platformFilter := ev.PlatformFilter
	if len(platformFilter) == 0 {
		platformFilter = origin.PlatformFilter
	}

	if len(entry.Platforms) == 0 {
		return sc.dispatch(ctx, entry, job, origin, ev.Retry, "", nil)
	}
	for _, name := range entry.Platforms {
		if len(platformFilter) > 0 && !matchesAnyPattern(platformFilter, name) {
			continue
		}
		platform := sc.settings.Platforms[name]
		if err := sc.dispatch(ctx, entry, job, origin, ev.Retry, name, &platform); err != nil {
			return err
		}
	}
	return nil
}

// variantAllowed checks a build job against the variants of the build
// config watching the origin's tree and branch. A config without
// variants builds everything; test jobs are never constrained here.
func (sc *Scheduler) variantAllowed(jobName string, origin *types.Node) bool {
	rev := origin.Data.KernelRevision
	if rev == nil {
		return true
	}
	for _, bc := range sc.settings.BuildConfigs {
		if bc.Tree != rev.Tree || bc.Branch != rev.Branch {
			continue
		}
		if len(bc.Variants) == 0 {
			return true
		}
		return matchesAnyPattern(bc.Variants, jobName)
	}
	return true
}

// frequencyOpen reports whether the job's frequency window has
// elapsed since its last run on this (tree, branch).
func (sc *Scheduler) frequencyOpen(ctx context.Context, jobName string, origin *types.Node, frequency string) (bool, error) {
	window, err := config.ParseFrequency(frequency)
	if err != nil {
		return false, err
	}
	rev := origin.Data.KernelRevision
	if rev == nil {
		return true, nil
	}
	prior, err := sc.store.List(ctx, store.Query{
		"name":                        jobName,
		"data.kernel_revision.tree":   rev.Tree,
		"data.kernel_revision.branch": rev.Branch,
	})
	if err != nil {
		return false, fmt.Errorf("querying %s history: %w", jobName, err)
	}
	for _, n := range prior {
		if time.Since(n.Created) < window {
			return false, nil
		}
	}
	return true, nil
}

// duplicateExists guards single-writer semantics per (parent, job,
// platform, attempt): redelivered events find the existing child and
// create nothing.
func (sc *Scheduler) duplicateExists(ctx context.Context, origin *types.Node, jobName, platform string, retry int) (bool, error) {
	q := store.Query{"parent": origin.ID, "name": jobName}
	if platform != "" {
		q["data.platform"] = platform
	}
	if retry > 0 {
		q["data.retry_counter"] = strconv.Itoa(retry)
	}
	existing, err := sc.store.List(ctx, q)
	if err != nil {
		return false, fmt.Errorf("querying children of %s: %w", origin.ID, err)
	}
	if retry > 0 {
		return len(existing) > 0, nil
	}
	for _, n := range existing {
		if n.Data.RetryCounter == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (sc *Scheduler) dispatch(ctx context.Context, entry config.SchedulerEntry, job config.Job,
	origin *types.Node, retry int, platformName string, platform *config.Platform) error {
	dup, err := sc.duplicateExists(ctx, origin, entry.Job, platformName, retry)
	if err != nil || dup {
		return err
	}

	node, err := sc.createNode(ctx, entry, job, origin, retry, platformName, platform)
	if errors.Is(err, store.ErrConflict) {
		// The parent started closing between the event and now.
		sc.log.Debug().Str("job", entry.Job).Str("origin", origin.ID).Msg("parent closed, not scheduling")
		return nil
	}
	if err != nil {
		return err
	}

	adapter := sc.runtimes[entry.Runtime]
	if adapter == nil {
		return sc.abandon(ctx, node, fmt.Errorf("runtime %s not loaded", entry.Runtime))
	}

	rendered, err := sc.render(job, node, origin, platform, adapter)
	if err != nil {
		return sc.abandon(ctx, node, err)
	}

	pool := sc.pools[entry.Runtime]
	if err := pool.Acquire(ctx); err != nil {
		return err
	}
	handle, err := adapter.Submit(ctx, rendered, node)
	if err != nil {
		pool.Release()
		metrics.DispatchFailures.WithLabelValues(entry.Runtime).Inc()
		return sc.abandon(ctx, node, err)
	}
	metrics.JobsDispatched.WithLabelValues(entry.Runtime).Inc()

	node.Data.JobID = handle.JobID
	if node, err = sc.store.Update(ctx, node, types.StateRunning); err != nil {
		pool.Release()
		return fmt.Errorf("recording job id on %s: %w", node.ID, err)
	}
	sc.log.Info().
		Str("node_id", node.ID).
		Str("job", entry.Job).
		Str("runtime", entry.Runtime).
		Str("job_id", handle.JobID).
		Msg("job dispatched")

	go func() {
		defer pool.Release()
		if err := sc.await(ctx, adapter, handle, node); err != nil && ctx.Err() == nil {
			sc.log.Error().Err(err).Str("node_id", node.ID).Msg("completion handling failed")
		}
	}()
	return nil
}

func (sc *Scheduler) createNode(ctx context.Context, entry config.SchedulerEntry, job config.Job,
	origin *types.Node, retry int, platformName string, platform *config.Platform) (*types.Node, error) {
	deadline := job.Timeout
	if deadline <= 0 {
		deadline = sc.cfg.JobTimeout
	}
	timeout := time.Now().Add(deadline)

	data := types.NodeData{
		KernelRevision: origin.Data.KernelRevision,
		Arch:           origin.Data.Arch,
		Compiler:       origin.Data.Compiler,
		Defconfig:      origin.Data.Defconfig,
		ConfigFull:     origin.Data.ConfigFull,
		Fragments:      origin.Data.Fragments,
		Runtime:        entry.Runtime,
		RetryCounter:   retry,
	}
	if arch := job.Params["arch"]; arch != "" {
		data.Arch = arch
	}
	if compiler := job.Params["compiler"]; compiler != "" {
		data.Compiler = compiler
	}
	if defconfig := job.Params["defconfig"]; defconfig != "" {
		data.Defconfig = defconfig
		data.ConfigFull = defconfig
		if fragments := job.Params["fragments"]; fragments != "" {
			data.Fragments = strings.Split(fragments, ",")
			data.ConfigFull = defconfig + "+" + fragments
		}
	}
	if platform != nil {
		data.Platform = platformName
		if platform.Arch != "" {
			data.Arch = platform.Arch
		}
	}

	// The origin's filters travel down so they constrain the whole
	// subtree, not only its direct children.
	node, err := sc.store.Create(ctx, &types.Node{
		Kind:           job.Kind,
		Name:           entry.Job,
		Path:           origin.ChildPath(entry.Job),
		Group:          entry.Job,
		Parent:         origin.ID,
		State:          types.StateRunning,
		Data:           data,
		Timeout:        &timeout,
		Owner:          origin.Owner,
		TreeID:         origin.TreeID,
		JobFilter:      origin.JobFilter,
		PlatformFilter: origin.PlatformFilter,
	})
	if err != nil {
		return nil, err
	}
	metrics.NodesCreated.WithLabelValues(string(job.Kind)).Inc()
	return node, nil
}

func (sc *Scheduler) render(job config.Job, node, origin *types.Node, platform *config.Platform, adapter runtime.Runtime) ([]byte, error) {
	params := template.JobParams(job, node, origin, platform, adapter.Name(), sc.settings.API.URL)
	if lava, ok := adapter.(*runtime.LAVA); ok {
		for k, v := range lava.CallbackStanza(node) {
			params[k] = v
		}
	}
	rendered, err := sc.renderer.Render(job.Template, params)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", job.Template, err)
	}
	return rendered, nil
}

// abandon closes a node whose submission failed. The retry service
// picks incomplete builds and jobs up from there.
func (sc *Scheduler) abandon(ctx context.Context, node *types.Node, cause error) error {
	node.State = types.StateDone
	node.Result = types.ResultIncomplete
	node.Data.ErrorCode = "submit_error"
	node.Data.ErrorMsg = cause.Error()
	if _, err := sc.store.Update(ctx, node, types.StateRunning); err != nil {
		return fmt.Errorf("closing %s after submit failure: %w", node.ID, err)
	}
	metrics.NodesCompleted.WithLabelValues(string(node.Kind), string(types.ResultIncomplete)).Inc()
	sc.log.Warn().Err(cause).Str("node_id", node.ID).Msg("submission failed")
	return nil
}

// await drives synchronous runtimes to completion and applies their
// results. Asynchronous runtimes report through the callback server
// instead.
func (sc *Scheduler) await(ctx context.Context, adapter runtime.Runtime, handle *runtime.Handle, node *types.Node) error {
	for {
		status, err := adapter.Poll(ctx, handle)
		if errors.Is(err, runtime.ErrAsyncOnly) {
			return nil
		}
		if err != nil {
			return err
		}
		if status == runtime.StatusSucceeded || status == runtime.StatusFailed {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sc.cfg.PollInterval):
		}
	}

	payload, err := adapter.Results(ctx, handle)
	if err != nil {
		return fmt.Errorf("fetching results for %s: %w", node.ID, err)
	}
	if _, err := result.Ingest(ctx, sc.store, node, payload, sc.cfg.Holdoff); err != nil {
		return err
	}
	return nil
}
