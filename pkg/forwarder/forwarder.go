package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/metrics"
	"github.com/kite-ci/kite/pkg/result"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// Sink accepts one report document. Delivery is at least once; the
// receiver deduplicates on entry ids.
type Sink interface {
	Submit(ctx context.Context, r *Report) error
}

// RestSink posts reports to an HTTP ingest endpoint.
type RestSink struct {
	http *resty.Client
}

// NewRestSink builds a sink client from the reporting credentials.
func NewRestSink(cfg config.KCIDBConfig) *RestSink {
	c := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(60 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &RestSink{http: c}
}

// Submit implements Sink.
func (s *RestSink) Submit(ctx context.Context, r *Report) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(r).
		Post("/submit")
	if err != nil {
		return fmt.Errorf("submitting report: %w", err)
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("submitting report: unexpected status %d: %s",
			resp.StatusCode(), resp.String())
	}
	return nil
}

// Config tunes the forwarder.
type Config struct {
	// Topic is the node event topic.
	Topic string

	// Name identifies this forwarder instance in logs and report
	// metadata; deployments run one instance per sink.
	Name string

	// Origin is the CI system identifier prefixed onto every entry id.
	Origin string

	// BatchPeriod is the interval between batch queries.
	BatchPeriod time.Duration

	// MaxAge bounds how far back the batch query reaches.
	MaxAge time.Duration

	// SettleTime keeps the batch away from nodes updated moments ago,
	// which an event delivery is probably already handling.
	SettleTime time.Duration
}

// Forwarder bridges terminal nodes to the downstream reporting sink.
// It runs both event-driven and as a periodic batch so that nodes
// whose terminal event was lost still get forwarded.
type Forwarder struct {
	store    store.Store
	bus      events.Bus
	sink     Sink
	analyzer LogAnalyzer
	cfg      Config
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New creates a forwarder.
func New(s store.Store, bus events.Bus, sink Sink, cfg Config) *Forwarder {
	if cfg.Topic == "" {
		cfg.Topic = "node"
	}
	if cfg.Name == "" {
		cfg.Name = "forwarder"
	}
	if cfg.Origin == "" {
		cfg.Origin = "kite"
	}
	if cfg.BatchPeriod <= 0 {
		cfg.BatchPeriod = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 4 * 24 * time.Hour
	}
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = 5 * time.Minute
	}
	return &Forwarder{
		store:    s,
		bus:      bus,
		sink:     sink,
		analyzer: NewLogAnalyzer(),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		log:      log.WithService(cfg.Name),
	}
}

// Run consumes terminal events and sweeps batches until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	sub, err := f.bus.Subscribe(ctx, f.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", f.cfg.Topic, err)
	}
	defer sub.Close()

	ticker := time.NewTicker(f.cfg.BatchPeriod)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Batch(ctx); err != nil && ctx.Err() == nil {
					f.log.Error().Err(err).Msg("batch sweep failed")
				}
			}
		}
	}()

	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		if ev.State != types.StateDone {
			continue
		}
		metrics.EventsHandled.WithLabelValues("forwarder").Inc()
		if err := f.Process(ctx, ev.ID); err != nil && ctx.Err() == nil {
			f.log.Error().Err(err).Str("node_id", ev.ID).Msg("forwarding failed")
		}
	}
}

// Batch forwards terminal nodes the event path missed. Nodes updated
// within the settle window are left for the next pass.
func (f *Forwarder) Batch(ctx context.Context) error {
	now := time.Now().UTC()
	nodes, err := f.store.List(ctx, store.Query{
		"state":                           string(types.StateDone),
		"data.processed_by_reporting__ne": "true",
		"created__gt":                     now.Add(-f.cfg.MaxAge).Format(time.RFC3339),
		"updated__lt":                     now.Add(-f.cfg.SettleTime).Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("listing unforwarded nodes: %w", err)
	}
	var errs []error
	for _, n := range nodes {
		if err := f.Process(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Process forwards one terminal node, or filters it when a retry
// sibling will supersede its result.
func (f *Forwarder) Process(ctx context.Context, nodeID string) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	n, err := f.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if !n.Terminal() || n.Data.ProcessedByReporting {
		return nil
	}

	if result.RetryEligible(n) {
		// A retry sibling carries this work forward; only the final
		// attempt's verdict is reported.
		metrics.ReportsFiltered.Inc()
		f.log.Info().Str("node_id", n.ID).Int("retry_counter", n.Data.RetryCounter).
			Msg("retry pending, not forwarding")
		return f.markProcessed(ctx, n)
	}

	report, err := f.convert(ctx, n)
	if err != nil {
		return err
	}
	if report == nil {
		return f.markProcessed(ctx, n)
	}
	if err := f.sink.Submit(ctx, report); err != nil {
		return err
	}
	metrics.ReportsForwarded.Inc()
	f.log.Info().Str("node_id", n.ID).Str("kind", string(n.Kind)).Msg("node forwarded")
	return f.markProcessed(ctx, n)
}

func (f *Forwarder) markProcessed(ctx context.Context, n *types.Node) error {
	n.Data.ProcessedByReporting = true
	_, err := f.store.Update(ctx, n, types.StateDone)
	return err
}

func (f *Forwarder) entryID(nodeID string) string {
	return f.cfg.Origin + ":" + nodeID
}

// convert builds the report document for one node. Regression nodes
// are not forwarded themselves; they surface through the issues and
// incidents attached to the failed node.
func (f *Forwarder) convert(ctx context.Context, n *types.Node) (*Report, error) {
	r := &Report{
		Version:   schemaVersion,
		Checkouts: []Checkout{},
		Builds:    []Build{},
		Tests:     []Test{},
		Issues:    []Issue{},
		Incidents: []Incident{},
	}
	switch n.Kind {
	case types.KindCheckout:
		r.Checkouts = append(r.Checkouts, f.checkoutEntry(n))
	case types.KindKbuild:
		b, err := f.buildEntry(ctx, n)
		if err != nil {
			return nil, err
		}
		r.Builds = append(r.Builds, b)
		f.attachIssues(ctx, r, n, b.ID, "")
	case types.KindJob, types.KindTest, types.KindProcess:
		t, err := f.testEntry(ctx, n)
		if err != nil {
			return nil, err
		}
		r.Tests = append(r.Tests, t)
		f.attachIssues(ctx, r, n, "", t.ID)
	default:
		return nil, nil
	}
	return r, nil
}

func (f *Forwarder) checkoutEntry(n *types.Node) Checkout {
	c := Checkout{
		ID:        f.entryID(n.ID),
		Origin:    f.cfg.Origin,
		StartTime: n.Created,
		Valid:     n.Result == types.ResultPass,
		Misc:      map[string]string{"submitted_by": f.cfg.Name},
	}
	if rev := n.Data.KernelRevision; rev != nil {
		c.TreeName = rev.Tree
		c.GitURL = rev.URL
		c.GitBranch = rev.Branch
		c.GitCommit = rev.Commit
	}
	return c
}

func (f *Forwarder) buildEntry(ctx context.Context, n *types.Node) (Build, error) {
	checkout, err := f.ancestor(ctx, n, types.KindCheckout)
	if err != nil {
		return Build{}, err
	}
	b := Build{
		ID:           f.entryID(n.ID),
		Origin:       f.cfg.Origin,
		Architecture: n.Data.Arch,
		Compiler:     n.Data.Compiler,
		ConfigName:   n.Data.ConfigFull,
		StartTime:    n.Created,
		Valid:        n.Result == types.ResultPass,
		LogURL:       n.Artifacts["log"],
	}
	if checkout != nil {
		b.CheckoutID = f.entryID(checkout.ID)
	}
	return b, nil
}

func (f *Forwarder) testEntry(ctx context.Context, n *types.Node) (Test, error) {
	build, err := f.ancestor(ctx, n, types.KindKbuild)
	if err != nil {
		return Test{}, err
	}
	t := Test{
		ID:        f.entryID(n.ID),
		Origin:    f.cfg.Origin,
		Path:      testPath(n),
		Status:    sinkStatus(n.Result),
		StartTime: n.Created,
		LogURL:    n.Artifacts["log"],
	}
	if t.LogURL == "" {
		t.LogURL = n.Artifacts["lava_log"]
	}
	if build != nil {
		t.BuildID = f.entryID(build.ID)
	}
	if n.Data.Platform != "" {
		t.Misc = map[string]string{"platform": n.Data.Platform}
	}
	return t, nil
}

// attachIssues derives issues and incidents for failed builds and
// boot tests. The node's log artifact is scanned for failure
// fingerprints; each fingerprint becomes one issue, keyed on its
// checksum so repeated failures with the same signature collapse into
// one. Nodes without a log, or whose log yields no fingerprint, fall
// back to the recorded error code.
func (f *Forwarder) attachIssues(ctx context.Context, r *Report, n *types.Node, buildID, testID string) {
	if n.Result != types.ResultFail {
		return
	}
	if n.Kind != types.KindKbuild && !strings.HasPrefix(n.Name, "boot") {
		return
	}
	logURL := n.Artifacts["log"]
	if logURL == "" {
		logURL = n.Artifacts["lava_log"]
	}

	for _, sig := range f.signatures(ctx, n, logURL) {
		issueID := fmt.Sprintf("%s:%s:%s", f.cfg.Origin, sig.Type, sig.Checksum())
		r.Issues = append(r.Issues, Issue{
			ID:      issueID,
			Origin:  f.cfg.Origin,
			Version: 1,
			Report:  logURL,
			Comment: sig.Line,
		})
		r.Incidents = append(r.Incidents, Incident{
			ID:           f.entryID(n.ID) + ":" + sig.Type,
			Origin:       f.cfg.Origin,
			IssueID:      issueID,
			IssueVersion: 1,
			BuildID:      buildID,
			TestID:       testID,
			Present:      true,
		})
	}
	if len(r.Issues) > 0 {
		return
	}

	code := n.Data.ErrorCode
	if code == "" {
		code = "unknown_failure"
	}
	issueID := fmt.Sprintf("%s:%s:%s", f.cfg.Origin, n.Name, code)
	r.Issues = append(r.Issues, Issue{
		ID:      issueID,
		Origin:  f.cfg.Origin,
		Version: 1,
		Report:  logURL,
		Comment: n.Data.ErrorMsg,
	})
	r.Incidents = append(r.Incidents, Incident{
		ID:           f.entryID(n.ID) + ":" + code,
		Origin:       f.cfg.Origin,
		IssueID:      issueID,
		IssueVersion: 1,
		BuildID:      buildID,
		TestID:       testID,
		Present:      true,
	})
}

func (f *Forwarder) signatures(ctx context.Context, n *types.Node, logURL string) []Signature {
	if logURL == "" || f.analyzer == nil {
		return nil
	}
	sigs, err := f.analyzer.Analyze(ctx, logURL)
	if err != nil {
		f.log.Warn().Err(err).Str("node_id", n.ID).Msg("log analysis failed")
		return nil
	}
	return sigs
}

func (f *Forwarder) ancestor(ctx context.Context, n *types.Node, kind types.Kind) (*types.Node, error) {
	cur := n
	for cur.Parent != "" {
		parent, err := f.store.Get(ctx, cur.Parent)
		if err != nil {
			return nil, fmt.Errorf("walking ancestors of %s: %w", n.ID, err)
		}
		if parent.Kind == kind {
			return parent, nil
		}
		cur = parent
	}
	return nil, nil
}
